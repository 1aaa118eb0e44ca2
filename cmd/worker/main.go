// The worker drains the outbound email queue and, when a mailbox is
// configured, polls it for client replies.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	app "github.com/ticketflow-io/ticketflow/cmd/api/app"
	"github.com/ticketflow-io/ticketflow/internal/mail"
	"github.com/ticketflow-io/ticketflow/internal/mailpoll"
)

// Job is the queue envelope. Data stays raw until the type is known.
type Job struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// handleSendEmail delivers one queued message and records the outcome on the
// messages row so the API can show delivery state.
func handleSendEmail(ctx context.Context, db execer, mc mail.Config, data json.RawMessage) error {
	var ej mail.EmailJob
	if err := json.Unmarshal(data, &ej); err != nil {
		return err
	}
	msgID, err := mail.Send(mc, ej)
	if err != nil {
		if ej.DBMessageID != "" {
			if _, uerr := db.Exec(ctx, `update messages set status='failed' where id=$1`, ej.DBMessageID); uerr != nil {
				log.Error().Err(uerr).Str("message", ej.DBMessageID).Msg("record send failure")
			}
		}
		return err
	}
	if ej.DBMessageID != "" {
		if _, err := db.Exec(ctx, `update messages set status='sent', email_message_id=$1 where id=$2`, msgID, ej.DBMessageID); err != nil {
			log.Error().Err(err).Str("message", ej.DBMessageID).Msg("record send success")
		}
	}
	return nil
}

func main() {
	_ = godotenv.Load()
	cfg := app.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("redis ping failed (queue not active yet)")
	}
	defer rdb.Close()

	var mc *minio.Client
	if cfg.MinIOEndpoint != "" {
		mc, err = minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccess, cfg.MinIOSecret, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Error().Err(err).Msg("minio init")
		}
	}

	if cfg.IMAPHost != "" {
		poller := &mailpoll.Poller{
			DB:         db,
			Provider:   mailpoll.NewIMAPProvider(cfg.IMAPHost, cfg.IMAPUser, cfg.IMAPPass, cfg.IMAPFolder),
			Bucket:     cfg.MinIOBucket,
			Support:    cfg.SupportEmail,
			MailDomain: cfg.MailDomain,
		}
		if mc != nil {
			poller.Store = mc
		}
		interval := time.Duration(cfg.PollIntervalMins) * time.Minute
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go poller.RunPeriodic(ctx, interval)
	}

	mailCfg := mail.Config{
		Host:       cfg.SMTPHost,
		Port:       cfg.SMTPPort,
		User:       cfg.SMTPUser,
		Pass:       cfg.SMTPPass,
		From:       cfg.SMTPFrom,
		MailDomain: cfg.MailDomain,
	}

	log.Info().Msg("worker started")
	for {
		res, err := rdb.BLPop(ctx, 0, "jobs").Result()
		if err != nil {
			log.Error().Err(err).Msg("blpop")
			continue
		}
		if len(res) < 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			log.Error().Err(err).Msg("unmarshal job")
			continue
		}
		switch job.Type {
		case "send_email":
			if err := handleSendEmail(ctx, db, mailCfg, job.Data); err != nil {
				log.Error().Err(err).Msg("send email")
			}
		default:
			log.Warn().Str("type", job.Type).Msg("unknown job type")
		}
	}
}
