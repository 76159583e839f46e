package ledger

// Replace overwrites the entry at seq to simulate tampering.
func (s *MemoryStore) Replace(seq uint64, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < uint64(len(s.entries)) {
		s.entries[seq] = e
	}
}
