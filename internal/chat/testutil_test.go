package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/ai/aitest"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ExchangeEvent
}

func (p *recordingPublisher) PublishExchange(_ context.Context, ev ExchangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []ExchangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ExchangeEvent(nil), p.events...)
}

type fixture struct {
	repo   *Repo
	svc    *Service
	prov   *aitest.Provider
	model  *Model
	conv   *Conversation
	events *recordingPublisher
}

const testUser uint64 = 7

func newFixture(t *testing.T, opts Options, prov *aitest.Provider) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)

	reg := ai.NewRegistry()
	reg.Register("fake", func(_ context.Context, _ string) (ai.Provider, error) {
		return prov, nil
	})

	events := &recordingPublisher{}
	svc := NewService(repo, reg, opts, WithEventPublisher(events))

	models := []Model{{Name: "fake-model", Provider: "fake", MaxTokens: 2048, IsActive: true}}
	if err := svc.SyncModels(context.Background(), models); err != nil {
		t.Fatalf("sync models: %v", err)
	}
	conv, err := svc.CreateConversation(context.Background(), testUser, CreateConversationInput{})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return &fixture{repo: repo, svc: svc, prov: prov, model: &models[0], conv: conv, events: events}
}

// collect drains a stream and waits for it to finish.
func collect(t *testing.T, st *Stream) []string {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-st.Chunks():
			if !ok {
				<-st.Done()
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func ptr[T any](v T) *T { return &v }
