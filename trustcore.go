package trustcore

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/config"
	"github.com/opd-ai/trustcore/identity"
	"github.com/opd-ai/trustcore/notification"
	"github.com/opd-ai/trustcore/recipient"
	"github.com/opd-ai/trustcore/session"
	"github.com/opd-ai/trustcore/storage"
	"github.com/opd-ai/trustcore/storage/postgres"
	"github.com/opd-ai/trustcore/storage/securefile"
	"github.com/opd-ai/trustcore/storage/sqlite"
	"github.com/opd-ai/trustcore/storagesync"
	"github.com/opd-ai/trustcore/storagesync/redisremote"
)

const remoteDialTimeout = 10 * time.Second

// TrustCore wires the identity store to its backend and collaborators.
type TrustCore struct {
	Config        *config.Config
	Store         *identity.Store
	Directory     *recipient.Directory
	Notifications *notification.Center
	Sessions      *session.Cache
	Sync          *storagesync.Coordinator
	Engine        *storagesync.Engine

	backend   storage.Backend
	remote    storagesync.Remote
	closeOnce sync.Once
}

type options struct {
	remote    storagesync.Remote
	keys      *session.KeyPair
	directory *recipient.Directory
}

// Option customizes New.
type Option func(*options)

// WithRemote sets the storage service sync rounds exchange records with.
// It takes precedence over sync.remote in the configuration. The caller
// keeps ownership of r.
func WithRemote(r storagesync.Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithKeyPair sets the local static key pair used for sessions.
func WithKeyPair(kp *session.KeyPair) Option {
	return func(o *options) { o.keys = kp }
}

// WithDirectory supplies an existing contact directory.
func WithDirectory(d *recipient.Directory) Option {
	return func(o *options) { o.directory = d }
}

// New opens the configured backend and builds a ready TrustCore. Background
// sync is not started until StartSync.
func New(cfg *config.Config, opts ...Option) (*TrustCore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyLogging()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.directory == nil {
		o.directory = recipient.NewDirectory()
	}
	if o.keys == nil {
		kp, err := session.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		o.keys = kp
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}

	// A remote opened here is owned, and closed, by the TrustCore.
	var owned storagesync.Remote
	if o.remote == nil {
		owned, err = openRemote(cfg.Sync)
		if err != nil {
			backend.Close()
			return nil, err
		}
		o.remote = owned
	}

	tc := &TrustCore{
		Config:        cfg,
		Directory:     o.directory,
		Notifications: notification.NewCenter(),
		Sessions:      session.NewCache(o.keys),
		Sync:          storagesync.NewCoordinator(cfg.Sync.Debounce),
		backend:       backend,
		remote:        owned,
	}
	tc.Store = identity.NewStore(backend, identity.Options{
		Directory:     tc.Directory,
		Sync:          tc.Sync,
		Sessions:      tc.Sessions,
		Notifications: tc.Notifications,
	})
	tc.Sessions.Bind(tc.Store)
	tc.Engine = storagesync.NewEngine(cfg.Device, tc.Store, tc.Directory, o.remote)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"backend":  cfg.Storage.Backend,
		"remote":   cfg.Sync.Remote,
		"device":   cfg.Device,
	}).Info("Trust store ready")

	return tc, nil
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	case config.BackendSQLite:
		return sqlite.Open(context.Background(), cfg.SQLitePath)
	case config.BackendSecureFile:
		passphrase := []byte(os.Getenv(cfg.PassphraseEnv))
		return securefile.Open(cfg.SecureFileDir, passphrase)
	case config.BackendPostgres:
		return postgres.Open(context.Background(), cfg.PostgresURL)
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
}

func openRemote(cfg config.SyncConfig) (storagesync.Remote, error) {
	switch cfg.Remote {
	case "", config.RemoteMemory:
		return storagesync.NewHub(), nil
	case config.RemoteRedis:
		ctx, cancel := context.WithTimeout(context.Background(), remoteDialTimeout)
		defer cancel()
		return redisremote.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownRemote, cfg.Remote)
}

// StartSync runs storage sync rounds in the background until Close.
func (tc *TrustCore) StartSync() {
	tc.Sync.Start(tc.Engine)
}

// SyncNow runs one sync round on the calling goroutine.
func (tc *TrustCore) SyncNow(ctx context.Context) (storagesync.RoundResult, error) {
	return tc.Engine.Round(ctx)
}

// Close stops background sync and releases the backend and any remote New
// opened.
func (tc *TrustCore) Close() error {
	var err error
	tc.closeOnce.Do(func() {
		tc.Sync.Stop()
		err = tc.backend.Close()
		if c, ok := tc.remote.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
