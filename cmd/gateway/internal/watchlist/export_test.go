package watchlist

// SetBeforeViewWrite runs f in List between the registry read and the cache write.
func (s *Service) SetBeforeViewWrite(f func()) { s.beforeViewWrite = f }
