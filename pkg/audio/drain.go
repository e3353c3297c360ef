package audio

// Drain reads from ch until it is closed, discarding all values. Use it when a
// consumer stops early so the producing goroutine is never left blocked.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
