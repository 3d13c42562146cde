package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/rental-chat/internal/chat"
	"github.com/suPer8Hu/rental-chat/internal/config"
	"github.com/suPer8Hu/rental-chat/internal/db"
	"github.com/suPer8Hu/rental-chat/internal/email"
	"github.com/suPer8Hu/rental-chat/internal/logger"
	"github.com/suPer8Hu/rental-chat/internal/retry"
	"github.com/suPer8Hu/rental-chat/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	zl, err := logger.New(logger.Config{Level: cfg.LogLevel, Dev: !cfg.IsProduction()})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.Named("worker")

	gdb := db.Connect(cfg.DBDSN)
	svc := chat.NewService(chat.NewRepo(gdb), nil, zl, cfg.StoreTimeout)

	smtpCfg := cfg.SMTP()
	if !smtpCfg.Enabled() {
		zl.Warn("smtp not configured, events will be acknowledged without mail")
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		zl.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		zl.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		zl.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		zl.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		zl.Fatal("consume", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// mail sends get a short retry before the event is dead-lettered
	sendPolicy := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay, AttemptTimeout: cfg.RequestTimeout}
	send := func(ctx context.Context) func(to, subject, body string) error {
		return func(to, subject, body string) error {
			if !smtpCfg.Enabled() {
				return nil
			}
			return retry.Run(ctx, sendPolicy, func(context.Context, int) error {
				return email.SendText(smtpCfg, to, subject, body)
			})
		}
	}

	// failed events wait in the retry queue, doubling each pass
	redeliverPolicy := retry.Policy{BaseDelay: cfg.NotifyRedeliveryDelay, MaxDelay: 30 * time.Minute}

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := zl.With(zap.Int("worker", workerID))
			for d := range jobs {
				ev, err := rabbitmq.DecodeMessageEvent(d.Body)
				if err != nil {
					wlog.Warn("bad message", zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleEvent(ctx, svc, ev, send(ctx)); err != nil {
					n := rabbitmq.Redeliveries(d)
					wlog.Warn("event failed",
						zap.String("session_id", ev.SessionID),
						zap.Uint64("message_id", ev.MessageID),
						zap.Int("redeliveries", n),
						zap.Duration("cost", time.Since(start)),
						zap.Error(err),
					)
					switch onFailure(ctx.Err() != nil, n, cfg.NotifyRedeliveries) {
					case requeue:
						_ = d.Nack(false, true)
						continue
					case deadLetter:
						_ = d.Nack(false, false)
						continue
					}
					if rerr := rabbitmq.Redeliver(ctx, ch, cfg.RabbitQueue, d, redeliverPolicy.Delay(n)); rerr != nil {
						wlog.Warn("redeliver failed", zap.Error(rerr))
						_ = d.Nack(false, false)
						continue
					}
					_ = d.Ack(false)
					continue
				}

				if err := d.Ack(false); err != nil {
					wlog.Warn("ack failed", zap.Uint64("message_id", ev.MessageID), zap.Error(err))
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			zl.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				zl.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleEvent(ctx context.Context, svc *chat.Service, ev chat.MessageEvent, send func(to, subject, body string) error) error {
	n, err := svc.BuildNotice(ctx, ev)
	if err != nil {
		return err
	}
	if n == nil {
		return nil
	}
	if err := svc.Deliver(ctx, n, send); err != nil {
		if errors.Is(err, chat.ErrAlreadyNotified) {
			return nil
		}
		return err
	}
	return nil
}

type failureAction int

const (
	redeliver failureAction = iota
	requeue
	deadLetter
)

// onFailure decides where a failed event goes. During shutdown it goes back
// on the queue untouched; after limit passes through the retry queue, to the DLQ.
func onFailure(shuttingDown bool, redeliveries, limit int) failureAction {
	switch {
	case shuttingDown:
		return requeue
	case redeliveries >= limit:
		return deadLetter
	default:
		return redeliver
	}
}
