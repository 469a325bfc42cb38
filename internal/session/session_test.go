package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/example/moodcam/internal/logging"
)

type stubStore struct {
	values map[string]string
	getErr error
	setErr error
}

func (s *stubStore) Get(ctx context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	v, ok := s.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (s *stubStore) Set(ctx context.Context, key, value string) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	return nil
}

func (s *stubStore) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func TestIdentityAbsentIsNotAnError(t *testing.T) {
	sc := New(&stubStore{values: map[string]string{}}, zap.NewNop())
	if _, ok := sc.Identity(context.Background()); ok {
		t.Fatal("expected no identity")
	}

	broken := New(&stubStore{getErr: errors.New("disk gone")}, zap.NewNop())
	if _, ok := broken.Identity(context.Background()); ok {
		t.Fatal("expected unreadable store to report no identity")
	}
}

func TestSaveAndClear(t *testing.T) {
	store := &stubStore{values: map[string]string{}}
	sc := New(store, zap.NewNop())
	ctx := context.Background()

	if err := sc.Save(ctx, Identity{Token: "abc", Username: "alice"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	id, ok := sc.Identity(ctx)
	if !ok || id.Token != "abc" || id.Username != "alice" {
		t.Fatalf("unexpected identity %+v %v", id, ok)
	}

	if err := sc.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := sc.Identity(ctx); ok {
		t.Fatal("expected identity to be cleared")
	}
}

func TestSaveRejectsEmptyToken(t *testing.T) {
	sc := New(&stubStore{values: map[string]string{}}, zap.NewNop())
	err := sc.Save(context.Background(), Identity{Username: "alice"})
	if !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestSaveWrapsStoreFailure(t *testing.T) {
	sc := New(&stubStore{values: map[string]string{}, setErr: errors.New("read-only")}, zap.NewNop())
	err := sc.Save(context.Background(), Identity{Token: "abc", Username: "alice"})
	op, ok := logging.OperationOf(err)
	if !ok || op != "session.save" {
		t.Fatalf("expected session.save OperationError, got %v", err)
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")
	ctx := context.Background()

	first := New(NewFileStore(path), zap.NewNop())
	if err := first.Save(ctx, Identity{Token: "tok", Username: "bob"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := New(NewFileStore(path), zap.NewNop())
	id, ok := second.Identity(ctx)
	if !ok || id.Username != "bob" || id.Token != "tok" {
		t.Fatalf("expected persisted identity, got %+v %v", id, ok)
	}

	if err := second.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := NewFileStore(path).Get(ctx, TokenKey); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after clear, got %v", err)
	}
}
