package assetindex

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"gmx-indexer/internal/config"
	"gmx-indexer/pkg/types"
)

type fakeStore struct {
	opening  []types.PositionAsset
	closed   []types.PositionAsset
	accounts []types.AccountPositionKeys

	openingErr  error
	closedErr   error
	accountsErr error
	writeErr    error

	written []types.TradedAssetsUpdate
}

func (f *fakeStore) OpeningPositionAssets(context.Context) ([]types.PositionAsset, error) {
	if f.openingErr != nil {
		return nil, f.openingErr
	}
	return f.opening, nil
}

func (f *fakeStore) ClosedPositionAssets(context.Context) ([]types.PositionAsset, error) {
	if f.closedErr != nil {
		return nil, f.closedErr
	}
	return f.closed, nil
}

func (f *fakeStore) AccountKeys(context.Context) ([]types.AccountPositionKeys, error) {
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	return f.accounts, nil
}

func (f *fakeStore) BulkSetTradedAssets(_ context.Context, updates []types.TradedAssetsUpdate) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = updates
	return nil
}

func newTestWorker(st *fakeStore) *Worker {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(st, config.AssetIndexConfig{Interval: 3600}, logger)
}

func findUpdate(t *testing.T, updates []types.TradedAssetsUpdate, account string) types.TradedAssetsUpdate {
	t.Helper()
	for _, u := range updates {
		if u.Account == account {
			return u
		}
	}
	t.Fatalf("no update for %s in %+v", account, updates)
	return types.TradedAssetsUpdate{}
}

func TestRebuildProjectsKeysToAssets(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		opening: []types.PositionAsset{
			{PositionKey: "k1", Asset: "BTC"},
			{PositionKey: "k2", Asset: "ETH"},
		},
		closed: []types.PositionAsset{
			{PositionKey: "k3", Asset: "SOL"},
		},
		accounts: []types.AccountPositionKeys{
			{Account: "0xaa", PositionKeys: []string{"k1", "k3", "k2"}},
			{Account: "0xbb", PositionKeys: []string{"k2"}},
		},
	}
	w := newTestWorker(st)

	if err := w.rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	a := findUpdate(t, st.written, "0xaa")
	if want := []string{"BTC", "SOL", "ETH"}; !reflect.DeepEqual(a.Assets, want) {
		t.Errorf("0xaa assets = %v, want %v in key order", a.Assets, want)
	}
	b := findUpdate(t, st.written, "0xbb")
	if want := []string{"ETH"}; !reflect.DeepEqual(b.Assets, want) {
		t.Errorf("0xbb assets = %v, want %v", b.Assets, want)
	}
}

func TestRebuildDeduplicatesPreservingOrder(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		opening: []types.PositionAsset{
			{PositionKey: "k1", Asset: "ETH"},
			{PositionKey: "k2", Asset: "BTC"},
			{PositionKey: "k3", Asset: "ETH"},
		},
		accounts: []types.AccountPositionKeys{
			{Account: "0xaa", PositionKeys: []string{"k1", "k2", "k3"}},
		},
	}
	w := newTestWorker(st)

	if err := w.rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	a := findUpdate(t, st.written, "0xaa")
	if want := []string{"ETH", "BTC"}; !reflect.DeepEqual(a.Assets, want) {
		t.Errorf("assets = %v, want %v", a.Assets, want)
	}
}

func TestRebuildClosedWinsCollisions(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		opening: []types.PositionAsset{{PositionKey: "k1", Asset: "OPEN-NAME"}},
		closed:  []types.PositionAsset{{PositionKey: "k1", Asset: "CLOSED-NAME"}},
		accounts: []types.AccountPositionKeys{
			{Account: "0xaa", PositionKeys: []string{"k1"}},
		},
	}
	w := newTestWorker(st)

	if err := w.rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	a := findUpdate(t, st.written, "0xaa")
	if want := []string{"CLOSED-NAME"}; !reflect.DeepEqual(a.Assets, want) {
		t.Errorf("assets = %v, want closed document to win", a.Assets)
	}
}

func TestRebuildWritesEmptyListForUnresolvedKeys(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		accounts: []types.AccountPositionKeys{
			{Account: "0xaa", PositionKeys: []string{"gone1", "gone2"}},
			{Account: "0xbb"},
		},
	}
	w := newTestWorker(st)

	if err := w.rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(st.written) != 2 {
		t.Fatalf("updates = %+v, want every account written", st.written)
	}
	for _, u := range st.written {
		if len(u.Assets) != 0 {
			t.Errorf("%s assets = %v, want empty", u.Account, u.Assets)
		}
	}
}

func TestRebuildAbortsOnStoreError(t *testing.T) {
	t.Parallel()
	st := &fakeStore{closedErr: errors.New("socket closed")}
	w := newTestWorker(st)

	if err := w.rebuild(context.Background()); err == nil {
		t.Fatal("want rebuild to fail on store error")
	}
	if st.written != nil {
		t.Errorf("writes happened despite aborted rebuild: %+v", st.written)
	}
}
