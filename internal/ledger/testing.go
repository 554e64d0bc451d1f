package ledger

// SeedWallet is a test helper that overwrites a wallet row when using the
// in-memory store. It bypasses the transaction ledger, so replay checks do not
// hold for seeded wallets.
func SeedWallet(s Store, w Wallet) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.wallets[w.Phone] = w
	}
}
