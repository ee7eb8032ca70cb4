package chat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/gopherchat/internal/common"
)

// Locker serializes exchanges on one conversation. TryLock never waits; it
// reports ok=false when someone else holds key. Extend pushes the expiry of a
// lease still held under token and reports false once it has been lost.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// lease keeps a held lock alive until release. The TTL only bounds how long a
// crashed holder blocks the conversation; a live exchange renews it every
// third of the TTL.
type lease struct {
	locker Locker
	key    string
	token  string
	ttl    time.Duration
	log    *logrus.Entry

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func holdLease(locker Locker, key, token string, ttl time.Duration, log *logrus.Entry) *lease {
	l := &lease{
		locker: locker,
		key:    key,
		token:  token,
		ttl:    ttl,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.renew()
	return l
}

func (l *lease) renew() {
	defer close(l.done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		ok, err := l.locker.Extend(ctx, l.key, l.token, l.ttl)
		cancel()
		switch {
		case err != nil:
			l.log.WithError(err).Warn("renew stream lock")
		case !ok:
			l.log.Warn("stream lock lost before the exchange ended")
			return
		}
	}
}

// release stops renewal and deletes the lock. Safe to call more than once.
func (l *lease) release(ctx context.Context) {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.locker.Unlock(uctx, l.key, l.token); err != nil {
			l.log.WithError(err).Warn("release stream lock")
		}
	})
}

func streamLockKey(conversationID string) string {
	return "chat:stream:" + conversationID
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLease
	clock func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), clock: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return "", false, nil
	}
	token, err := common.NewULID()
	if err != nil {
		return "", false, err
	}
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	lease, ok := l.held[key]
	if !ok || lease.token != token || !now.Before(lease.expires) {
		return false, nil
	}
	lease.expires = now.Add(ttl)
	l.held[key] = lease
	return true, nil
}

func (l *LocalLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[key]; ok && lease.token == token {
		delete(l.held, key)
	}
	return nil
}
