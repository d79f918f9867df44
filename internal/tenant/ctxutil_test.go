package tenant

import (
	"context"
	"errors"
	"testing"
)

func TestWithAndFrom(t *testing.T) {
	ctx := With(context.Background(), "store-1")
	storeID, ok := From(ctx)
	if !ok || storeID != "store-1" {
		t.Fatalf("From = %q/%v", storeID, ok)
	}
}

func TestFromMissing(t *testing.T) {
	if _, ok := From(context.Background()); ok {
		t.Fatal("expected missing scope")
	}
	if _, ok := From(With(context.Background(), "   ")); ok {
		t.Fatal("blank store id should not count as scope")
	}
}

func TestRequire(t *testing.T) {
	if _, err := Require(context.Background()); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	storeID, err := Require(With(context.Background(), "store-2"))
	if err != nil || storeID != "store-2" {
		t.Fatalf("Require = %q err %v", storeID, err)
	}
}

func TestPrefixKey(t *testing.T) {
	if got := PrefixKey("acme", "cart:1"); got != "acme:cart:1" {
		t.Fatalf("PrefixKey = %q", got)
	}
	if got := PrefixKey("", "cart:1"); got != "cart:1" {
		t.Fatalf("PrefixKey = %q", got)
	}
}
