package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"leadtracker/internal/app"
	domainnotify "leadtracker/internal/domain/notify"
	"leadtracker/internal/infra/config"
	idb "leadtracker/internal/infra/database"
	"leadtracker/internal/infra/logger"
	"leadtracker/internal/infra/metrics"
	"leadtracker/internal/infra/notify"
	"leadtracker/internal/infra/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// components is everything the subcommands share.
type components struct {
	cfg *config.AppConfig
	db  *sql.DB

	leadRepo   *idb.PostgresLeadRepository
	remindRepo *idb.PostgresRemindRepository
	sweepRepo  *idb.PostgresSweepRepository

	registry   *prometheus.Registry
	recorder   *metrics.Recorder
	thresholds *app.ThresholdCache
	lifecycle  *app.LifecycleService
	sweeper    *app.SweepService
	admin      *app.RemindAdminService

	bot *telebot.Bot // nil when Telegram is not configured
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("could not load application configuration: %w", err)
	}
	logger.Init(cfg)
	return cfg, nil
}

// openDatabase connects and brings the schema up to date.
func openDatabase(ctx context.Context, cfg *config.AppConfig) (*sql.DB, error) {
	db, err := idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	if err := idb.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not apply migrations: %w", err)
	}
	return db, nil
}

// buildComponents wires the services. withBot connects the Telegram bot, which
// the digest dispatcher and the admin commands need.
func buildComponents(ctx context.Context, withBot bool) (*components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	mainLogger := logger.Component("main")
	mainLogger.WithFields(logrus.Fields{
		"log_level":    cfg.LogLevel,
		"environment":  cfg.Environment,
		"timezone":     cfg.Timezone.String(),
		"remind_times": cfg.RemindTimes,
	}).Info("Configuration loaded")

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mainLogger.Info("Database connection established successfully.")

	c := &components{
		cfg:        cfg,
		db:         db,
		leadRepo:   idb.NewPostgresLeadRepository(db),
		remindRepo: idb.NewPostgresRemindRepository(db),
		sweepRepo:  idb.NewPostgresSweepRepository(db),
		registry:   prometheus.NewRegistry(),
	}
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.recorder = metrics.NewRecorder(c.registry)

	now := func() time.Time { return time.Now().In(cfg.Timezone) }
	tx := idb.NewTransactor(db)

	c.thresholds = app.NewThresholdCache(c.remindRepo, cfg.ThresholdCacheTTL, now, logger.Component("thresholds"))
	c.lifecycle = app.NewLifecycleService(c.leadRepo, c.thresholds, tx, now, logger.Component("lifecycle"), c.recorder)

	if withBot && cfg.TelegramEnabled() {
		c.bot, err = newBot(cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	dispatcher, err := c.dispatcher()
	if err != nil {
		db.Close()
		return nil, err
	}
	c.sweeper = app.NewSweepService(app.SweepDeps{
		Leads:      c.leadRepo,
		Recipients: c.remindRepo,
		Runs:       c.sweepRepo,
		Thresholds: c.thresholds,
		Tx:         tx,
		Dispatcher: dispatcher,
		Now:        now,
		Logger:     logger.Component("sweep"),
		Observer:   c.recorder,
	})
	c.admin = app.NewRemindAdminService(c.remindRepo, c.thresholds, c.sweeper, cfg.AdminTelegramID, logger.Component("remind_admin"))
	return c, nil
}

// dispatcher combines email and Telegram delivery, whichever are configured.
func (c *components) dispatcher() (domainnotify.Dispatcher, error) {
	var dispatchers []domainnotify.Dispatcher
	if c.cfg.EmailEnabled() {
		renderer, err := notify.NewRenderer(c.cfg.Timezone)
		if err != nil {
			return nil, err
		}
		email, err := notify.NewEmailDispatcher(notify.SMTPConfig{
			Host:     c.cfg.SMTPHost,
			Port:     c.cfg.SMTPPort,
			Username: c.cfg.SMTPUser,
			Password: c.cfg.SMTPPassword,
			From:     c.cfg.EmailFrom,
		}, renderer, logger.Component("email"))
		if err != nil {
			return nil, fmt.Errorf("could not configure email delivery: %w", err)
		}
		dispatchers = append(dispatchers, email)
	} else {
		logger.Component("main").Warn("SMTP is not configured, overdue digests will not be emailed")
	}
	if c.bot != nil && len(c.cfg.NotifyTelegramChatIDs) > 0 {
		dispatchers = append(dispatchers, telegram.NewDigestDispatcher(
			telegram.NewTelebotAdapter(c.bot), c.cfg.NotifyTelegramChatIDs, c.cfg.Timezone, logger.Component("telegram_digest"),
		))
	}
	return notify.NewMultiDispatcher(dispatchers...), nil
}

func newBot(cfg *config.AppConfig) (*telebot.Bot, error) {
	botLogger := logger.Component("telebot")
	pref := telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			entry := botLogger.WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				entry = entry.WithFields(logrus.Fields{"sender_id": c.Sender().ID, "chat_id": c.Chat().ID})
			}
			entry.Error("Telegram handler error")
		},
	}
	bot, err := telebot.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("could not create Telegram bot: %w", err)
	}
	return bot, nil
}

func (c *components) Close() {
	if err := c.db.Close(); err != nil {
		logger.Component("main").WithError(err).Warn("Error closing database")
	}
}
