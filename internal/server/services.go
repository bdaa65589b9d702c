package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/collabedit/internal/chat"
	"github.com/Tyrowin/collabedit/internal/config"
	"github.com/Tyrowin/collabedit/internal/document"
	"github.com/Tyrowin/collabedit/internal/ratelimit"
)

// Services bundles the state shared by every transport.
type Services struct {
	Store   *document.Store
	Chat    *chat.Manager
	Limiter *ratelimit.DocumentLimiter
	Log     *zap.Logger
	Now     func() time.Time
}

// NewServices builds the shared services from cfg.
func NewServices(cfg config.Config, log *zap.Logger) Services {
	if log == nil {
		log = zap.NewNop()
	}
	return Services{
		Store: document.NewStore(log.Named("documents")),
		Chat: chat.NewManager(log.Named("chat"),
			chat.WithHistoryLimit(cfg.ChatHistoryLimit),
			chat.WithIdleTTL(cfg.ChatRoomIdleTTL),
		),
		Limiter: ratelimit.NewDocumentLimiter(cfg.EditInterval),
		Log:     log,
		Now:     time.Now,
	}
}

func (s Services) withDefaults() Services {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}
