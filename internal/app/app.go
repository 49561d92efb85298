// Package app is the composition root: it builds the stores, the wallet
// service, the conversation engine and every transport from one Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	tele "gopkg.in/telebot.v4"
	"maunium.net/go/mautrix/id"

	"github.com/m3rciful/liteim/core/bootstrap"
	corecmd "github.com/m3rciful/liteim/core/cmd"
	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/core/netutil"
	tg "github.com/m3rciful/liteim/core/telegram"
	"github.com/m3rciful/liteim/core/telegram/router"
	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/dispatch"
	"github.com/m3rciful/liteim/internal/httpapi"
	"github.com/m3rciful/liteim/internal/matrixbot"
	"github.com/m3rciful/liteim/internal/messenger"
	"github.com/m3rciful/liteim/internal/notify"
	"github.com/m3rciful/liteim/internal/responder"
	"github.com/m3rciful/liteim/internal/stepstore"
	"github.com/m3rciful/liteim/internal/tgbot"
	"github.com/m3rciful/liteim/internal/twofactor"
	"github.com/m3rciful/liteim/internal/wallet"
)

// App owns the wired components.
type App struct {
	cfg   *Config
	db    *sqlx.DB
	texts *responder.Catalog

	Dispatcher *dispatch.Dispatcher
	Notify     *notify.Router
	HTTP       *httpapi.Server

	telegram     *tgbot.Bot
	messenger    *messenger.Bot
	matrix       *matrixbot.Bot
	matrixClient *matrixbot.Client
}

var _ corecmd.App = (*App)(nil)

// Load is the cmd.Options.LoadConfig hook.
func Load(path string) (corecmd.ConfigCarrier, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Bootstrap is the cmd.Options.Bootstrap hook: it initializes logging,
// migrates the database and wires the app.
func Bootstrap(carrier corecmd.ConfigCarrier) (corecmd.App, error) {
	cfg, ok := carrier.(*Config)
	if !ok {
		return nil, fmt.Errorf("app: unexpected config type %T", carrier)
	}
	res, err := bootstrap.Run(bootstrap.Options{
		Config:   &cfg.Config,
		Database: cfg.Database,
		Tasks:    []bootstrap.Task{bootstrap.TaskFunc{Label: "two_factor.prune", Fn: PruneTask()}},
	})
	if err != nil {
		return nil, err
	}
	a, err := New(cfg, res.DB)
	if err != nil {
		_ = res.DB.Close()
		return nil, err
	}
	return a, nil
}

// New wires every component on top of a migrated database.
func New(cfg *Config, db *sqlx.DB) (*App, error) {
	texts, err := responder.Load(cfg.Templates)
	if err != nil {
		return nil, err
	}
	sms, err := twofactor.NewSender(cfg.SMS)
	if err != nil {
		return nil, err
	}

	client := netutil.NewClient(netutil.ClientOptions{Timeout: cfg.Wallet.Timeout})
	store := accounts.New(db)
	codes := twofactor.New(twofactor.NewSQLStore(db), sms, texts, cfg.TwoFactor)
	svc := wallet.New(
		wallet.NewAPI(cfg.Wallet.APIURL, client),
		wallet.NewIdentity(cfg.Wallet.IdentityURL, cfg.Wallet.IdentityKey, client),
		store,
		codes,
		wallet.NewPriceFeed(cfg.Price, client),
	)

	notifier := notify.New(notify.Options{
		Directory:   store,
		Texts:       texts,
		ExplorerURL: cfg.Wallet.ExplorerURL,
	})
	engine := conversation.NewEngine(stepstore.NewSQL(db), texts, conversation.All(conversation.Deps{
		Actions:     svc,
		Texts:       texts,
		Network:     cfg.Wallet.AddressNetwork(),
		ExplorerURL: cfg.Wallet.ExplorerURL,
		Notifier:    notifier,
	})...)
	disp := dispatch.New(dispatch.Options{
		Engine:      engine,
		Actions:     svc,
		Texts:       texts,
		QRURL:       cfg.QRURL,
		Broadcaster: notifier,
		Admins:      cfg.AdminIDs(),
	})

	a := &App{cfg: cfg, db: db, texts: texts, Dispatcher: disp, Notify: notifier}

	if !cfg.Telegram.Disabled {
		a.telegram = tgbot.New(tgbot.Options{Handler: disp, Messages: store})
		notifier.Register(action.PlatformTelegram, a.telegram)
	}

	// a nil *messenger.Bot must not reach httpapi as a non-nil http.Handler
	var webhook http.Handler
	if cfg.Messenger.Enabled() {
		a.messenger = messenger.New(cfg.Messenger, disp, netutil.NewClient(netutil.ClientOptions{Timeout: cfg.Messenger.Timeout}))
		notifier.Register(action.PlatformMessenger, a.messenger)
		webhook = a.messenger
	}

	if cfg.Matrix.Enabled() {
		mc, err := matrixbot.NewClient(cfg.Matrix)
		if err != nil {
			return nil, err
		}
		a.matrixClient = mc
		a.matrix = matrixbot.New(id.UserID(cfg.Matrix.UserID), disp, mc, matrixbot.NewRooms(db), cfg.Matrix.Timeout)
		notifier.Register(action.PlatformMatrix, a.matrix)
	}

	a.HTTP = httpapi.New(cfg.HTTP, notifier, webhook)

	logger.Info(context.Background(), "app", "app.wired",
		slog.Bool("telegram", a.telegram != nil),
		slog.Bool("messenger", a.messenger != nil),
		slog.Bool("matrix", a.matrix != nil),
		slog.Int("commands", len(disp.Commands())),
	)
	return a, nil
}

// Services implements cmd.App.
func (a *App) Services() ([]corecmd.Service, error) {
	services := []corecmd.Service{{Name: "http", Run: a.HTTP.Run}}
	if a.telegram != nil {
		opts, err := a.telegramOptions()
		if err != nil {
			return nil, err
		}
		services = append(services, corecmd.Service{
			Name: "telegram",
			Run: func(ctx context.Context) error {
				return tg.RunTelegram(ctx, opts)
			},
		})
	}
	if a.matrix != nil {
		services = append(services, corecmd.Service{
			Name: "matrix",
			Run: func(ctx context.Context) error {
				return matrixbot.Run(ctx, a.matrixClient, a.matrix)
			},
		})
	}
	return services, nil
}

// telegramOptions registers the dispatcher commands and binds the routers.
func (a *App) telegramOptions() (tg.RunOptions, error) {
	reg := tg.NewRegistry()
	a.telegram.Register(reg, a.Dispatcher.Commands())

	routes := router.CommandRoutes(reg)
	routes = append(routes, router.TextRoutes(reg, router.TextOptions{})...)
	routes = append(routes, router.CallbackRoute(reg))

	slowDown := a.texts.Text("common.slow_down", nil)
	core := &a.cfg.Config
	return tg.RunOptions{
		Config:   core,
		Registry: reg,
		Middlewares: tg.DefaultMiddlewares(core, func(c tele.Context) error {
			if c.Callback() != nil {
				return c.Respond(&tele.CallbackResponse{Text: slowDown})
			}
			return c.Send(slowDown)
		}),
		Routes: routes,
		OnStart: func(ctx context.Context, rt tg.Runtime) error {
			a.telegram.Attach(rt.Bot)
			if rt.Webhook != nil {
				a.HTTP.MountTelegram(core.Webhook.Path, rt.Webhook)
				logger.Info(ctx, "app", "telegram.webhook_mounted", slog.String("path", core.Webhook.Path))
			}
			return nil
		},
		OnStop: func(ctx context.Context, rt tg.Runtime) error {
			logger.Info(ctx, "app", "telegram.stopped", slog.Uint64("send_errors", rt.Dispatcher.ErrorCount()))
			return nil
		},
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("app: close db: %w", err)
	}
	return nil
}

// PruneTask drops two factor challenges that expired while the process was down.
func PruneTask() func(ctx context.Context, db *sqlx.DB) error {
	return func(ctx context.Context, db *sqlx.DB) error {
		n, err := twofactor.NewSQLStore(db).PruneExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		logger.Debug(ctx, logger.CompTwoFactor, "2fa.pruned", slog.Int64("rows", n))
		return nil
	}
}
