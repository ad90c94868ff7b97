package connectivity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/reconciler"
	"github.com/saiset-co/sai-offline/types"
)

// Watcher turns "connectivity regained" signals into queue flushes. Every
// signal triggers exactly one detached flush; nothing is polled.
type Watcher struct {
	bus        types.SignalBus
	reconciler *reconciler.Reconciler
	logger     types.Logger
}

func NewWatcher(logger types.Logger, bus types.SignalBus, r *reconciler.Reconciler) *Watcher {
	return &Watcher{bus: bus, reconciler: r, logger: logger}
}

// Watch flushes for ownerID on every online signal until the returned
// function is called.
func (w *Watcher) Watch(remote types.RemoteStore, ownerID string) (func(), error) {
	unsubscribe, err := w.bus.Subscribe(types.SignalOnline, func(signal *types.Signal) {
		w.logger.Debug("Connectivity regained, flushing queue",
			zap.String("owner_id", ownerID),
			zap.String("source", signal.Source))
		w.reconciler.Trigger(remote, ownerID)
	})
	if err != nil {
		return nil, types.WrapError(err, "failed to watch connectivity")
	}

	return unsubscribe, nil
}

// Session binds one owner at a time: starting a session flushes once and
// replaces the previous owner's watch.
type Session struct {
	watcher    *Watcher
	reconciler *reconciler.Reconciler
	remote     types.RemoteStore
	logger     types.Logger
	ownerID    string
	unwatch    func()
	mu         sync.Mutex
}

func NewSession(logger types.Logger, watcher *Watcher, r *reconciler.Reconciler, remote types.RemoteStore) *Session {
	return &Session{
		watcher:    watcher,
		reconciler: r,
		remote:     remote,
		logger:     logger,
	}
}

func (s *Session) Begin(ownerID, accessToken string) error {
	if ownerID == "" {
		return types.ErrOwnerEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if binder, ok := s.remote.(types.SessionBinder); ok && accessToken != "" {
		binder.BindSession(accessToken)
	}

	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}

	unwatch, err := s.watcher.Watch(s.remote, ownerID)
	if err != nil {
		return err
	}

	s.ownerID = ownerID
	s.unwatch = unwatch

	s.reconciler.Trigger(s.remote, ownerID)

	s.logger.Info("Session started", zap.String("owner_id", ownerID))
	return nil
}

func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}

	if s.ownerID != "" {
		s.logger.Info("Session ended", zap.String("owner_id", s.ownerID))
	}
	s.ownerID = ""
}

func (s *Session) OwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID
}

func (s *Session) Remote() types.RemoteStore {
	return s.remote
}
