package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := Newf(ExchangeRejected, "order declined")
	if KindOf(err) != ExchangeRejected {
		t.Fatalf("got %s", KindOf(err))
	}

	wrapped := fmt.Errorf("submit: %w", err)
	if KindOf(wrapped) != ExchangeRejected {
		t.Fatal("kind should survive wrapping")
	}

	if KindOf(errors.New("plain")) != Internal {
		t.Fatal("unclassified errors should read as internal")
	}
}

func TestTransient(t *testing.T) {
	t.Parallel()

	transient := []Kind{UpstreamUnavailable, ExchangeTransient, Internal}
	for _, k := range transient {
		if !Transient(Newf(k, "x")) {
			t.Errorf("%s should be transient", k)
		}
	}
	terminal := []Kind{UpstreamBadData, DuplicateObservation, RiskRejected, SlippageRejected, ExchangeRejected}
	for _, k := range terminal {
		if Transient(Newf(k, "x")) {
			t.Errorf("%s should be terminal", k)
		}
	}
}

func TestErrorsIsOnKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("ingest: %w", Newf(DuplicateObservation, "trade t1"))
	if !errors.Is(err, New(DuplicateObservation, nil)) {
		t.Fatal("errors.Is should match on kind")
	}
	if errors.Is(err, New(ExchangeRejected, nil)) {
		t.Fatal("errors.Is matched the wrong kind")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := New(UpstreamUnavailable, errors.New("dial tcp: refused"))
	want := "upstream_unavailable: dial tcp: refused"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
