package service

import "sync"

// walletLocks serializes balance-mutating operations per wallet.
// Operations on different wallets proceed in parallel; two operations on
// the same wallet never interleave.
type walletLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newWalletLocks() *walletLocks {
	return &walletLocks{locks: make(map[int64]*sync.Mutex)}
}

// get returns the mutex owning walletID, creating it on first use.
// Locks are never removed; the map grows with the number of wallets
// touched by this process, which is bounded by the working set.
func (l *walletLocks) get(walletID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[walletID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[walletID] = m
	}
	return m
}
