package notify

import (
	"errors"
	"testing"
)

type fakeStore struct {
	rows []string
	err  error
}

func (s *fakeStore) InsertNotification(user, kind, payload string) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, user+"/"+kind)
	return nil
}

func TestServicePersistsAndFansOut(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	a, b := &Memory{}, &Memory{}
	svc := NewService(store, a, b)

	svc.Notify("0xuser", KindTradeExecuted, "filled")

	if len(store.rows) != 1 || store.rows[0] != "0xuser/TRADE_EXECUTED" {
		t.Fatalf("rows = %v", store.rows)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("sinks = %d/%d, want 1/1", len(a.Events()), len(b.Events()))
	}
	if a.Events()[0].Message != "filled" {
		t.Fatalf("message = %q", a.Events()[0].Message)
	}
}

func TestServiceStoreFailureStillDelivers(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("disk full")}
	sink := &Memory{}
	svc := NewService(store, sink)

	svc.Notify("0xuser", KindTradeFailed, "rejected")

	if len(sink.Events()) != 1 {
		t.Fatal("delivery must survive a persistence failure")
	}
}

func TestKindEmoji(t *testing.T) {
	t.Parallel()

	if kindEmoji(KindTradeExecuted) == kindEmoji(KindTradeFailed) {
		t.Fatal("kinds should render distinct emoji")
	}
	if kindEmoji("SOMETHING_ELSE") != "🔔" {
		t.Fatal("unknown kinds get the default bell")
	}
}
