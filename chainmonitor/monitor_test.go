package chainmonitor

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

type stubChain struct {
	confs    map[chainhash.Hash]int32
	mempool  map[chainhash.Hash]*wire.MsgTx
	spends   map[wire.OutPoint]*wire.MsgTx
	height   int32
	queryErr error
}

func (s *stubChain) Broadcast(context.Context, *wire.MsgTx) error { return nil }

func (s *stubChain) GetTransaction(_ context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	if tx, ok := s.mempool[txid]; ok {
		return tx, nil
	}
	return nil, errors.New("not found")
}

func (s *stubChain) GetBestHeight(context.Context) (int32, error) {
	return s.height, s.queryErr
}

func (s *stubChain) GetConfirmations(_ context.Context, txid chainhash.Hash) (int32, error) {
	return s.confs[txid], s.queryErr
}

func (s *stubChain) GetSpendingTx(_ context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error) {
	return s.spends[outpoint], s.queryErr
}

func TestCheckConfirmationsProjections(t *testing.T) {
	ctx := context.Background()
	txid := chainhash.Hash{0x01}
	chain := &stubChain{
		confs:   map[chainhash.Hash]int32{},
		mempool: map[chainhash.Hash]*wire.MsgTx{},
	}
	m := New(chain)

	// Never seen anywhere.
	report, err := m.CheckConfirmations(ctx, txid, 0)
	require.NoError(t, err)
	require.Equal(t, StatusNotSeen, report.Status)

	// Unconfirmed but present in the mempool.
	chain.mempool[txid] = wire.NewMsgTx(2)
	report, err = m.CheckConfirmations(ctx, txid, 0)
	require.NoError(t, err)
	require.Equal(t, StatusInMempool, report.Status)

	// Confirmed at depth.
	chain.confs[txid] = 4
	report, err = m.CheckConfirmations(ctx, txid, 0)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, report.Status)
	require.EqualValues(t, 4, report.Confirmations)

	// Previously confirmed, now gone: reorged out, regardless of any
	// mempool re-appearance.
	chain.confs[txid] = 0
	report, err = m.CheckConfirmations(ctx, txid, 6)
	require.NoError(t, err)
	require.Equal(t, StatusReorgedOut, report.Status)
}

func TestCheckSpend(t *testing.T) {
	ctx := context.Background()
	outpoint := wire.OutPoint{Hash: chainhash.Hash{0x02}, Index: 1}
	spender := wire.NewMsgTx(2)
	chain := &stubChain{spends: map[wire.OutPoint]*wire.MsgTx{}}
	m := New(chain)

	report, err := m.CheckSpend(ctx, outpoint)
	require.NoError(t, err)
	require.False(t, report.Spent)

	chain.spends[outpoint] = spender
	report, err = m.CheckSpend(ctx, outpoint)
	require.NoError(t, err)
	require.True(t, report.Spent)
	require.Equal(t, spender, report.SpendingTx)
}

func TestQueryErrorsAreBlockchainKind(t *testing.T) {
	ctx := context.Background()
	chain := &stubChain{queryErr: errors.New("rpc down")}
	m := New(chain)

	_, err := m.CheckConfirmations(ctx, chainhash.Hash{0x03}, 0)
	require.Error(t, err)
	var kinded *dlcerrors.Error
	require.ErrorAs(t, err, &kinded)
	require.Equal(t, dlcerrors.KindBlockchainError, kinded.Kind)

	_, err = m.BestHeight(ctx)
	require.Error(t, err)
	require.ErrorAs(t, err, &kinded)
	require.Equal(t, dlcerrors.KindBlockchainError, kinded.Kind)
}
