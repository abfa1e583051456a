package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/modelchat/internal/ai"
	"github.com/suPer8Hu/modelchat/internal/chat"
	"github.com/suPer8Hu/modelchat/internal/common"
	"github.com/suPer8Hu/modelchat/internal/config"
	"github.com/suPer8Hu/modelchat/internal/db"
	"github.com/suPer8Hu/modelchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/modelchat/internal/store/redisstore"
	"github.com/suPer8Hu/modelchat/internal/worker"
)

func workerConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal("load config", err)
	}
	common.SetupLogging(cfg.LogLevel)

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	var opts []chat.Option
	progress := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LiveTranscriptTTL())
	defer progress.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := progress.Ping(pingCtx); err != nil {
		slog.Warn("redis unavailable, job progress disabled", "addr", cfg.RedisAddr, "error", err)
	} else {
		opts = append(opts, chat.WithLiveStore(progress))
	}
	cancel()

	// Provider registry (route by session.Provider + session.Model)
	svc := chat.NewService(repo, ai.NewRegistryFromConfig(cfg), cfg.ChatContextWindowSize, opts...)
	handler := worker.NewHandler(svc, repo)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		fatal("rabbit dial", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		fatal("rabbit channel", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		fatal("queue declare", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency(cfg.WorkerConcurrency)

	if err := ch.Qos(concurrency, 0, false); err != nil {
		fatal("qos", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		fatal("consume", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// retries are published on a separate connection
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		fatal("rabbit publisher", err)
	}
	defer pub.Close()

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				jobID, err := rabbitmq.ParseJobMessage(d.Body)
				if err != nil {
					slog.Warn("bad message", "worker", workerID, "error", err)
					_ = d.Nack(false, false)
					continue
				}

				attempt := rabbitmq.Attempt(d.Headers)
				final := attempt+1 >= worker.MaxAttempts

				start := time.Now()
				err = handler.HandleJob(ctx, jobID, final)
				switch worker.Dispose(ctx, err, final) {
				case worker.Ack:
					if err := d.Ack(false); err != nil {
						slog.Warn("ack failed", "worker", workerID, "job_id", jobID, "error", err)
					}
				case worker.Requeue:
					_ = d.Nack(false, true)
				case worker.Retry:
					delay := rabbitmq.RetryDelay(attempt)
					slog.Warn("job retry", "worker", workerID, "job_id", jobID, "attempt", attempt+1, "delay", delay, "cost", time.Since(start), "error", err)
					if perr := pub.PublishRetry(ctx, d.Body, attempt+1, delay); perr != nil {
						slog.Warn("publish retry failed", "worker", workerID, "job_id", jobID, "error", perr)
						_ = d.Nack(false, true)
						continue
					}
					_ = d.Ack(false)
				case worker.DeadLetter:
					slog.Warn("job failed", "worker", workerID, "job_id", jobID, "attempt", attempt+1, "cost", time.Since(start), "error", err)
					_ = d.Nack(false, false)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				// connection lost; exit so the supervisor restarts us
				slog.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				os.Exit(1)
			}
			jobs <- d
		}
	}
}
