package sequence

import (
	"sync"
	"testing"

	"gotest.tools/v3/assert"
)

func TestSequenceConcurrent(t *testing.T) {
	var (
		seq   Sequence
		wg    sync.WaitGroup
		mutex sync.Mutex
		seen  = make(map[uint64]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := seq.Next()
				mutex.Lock()
				seen[v] = true
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, len(seen), 800)
	assert.Equal(t, seq.Current(), uint64(800))
}

func TestSequenceNext32SkipsZero(t *testing.T) {
	seq := Sequence{value: 1<<32 - 1}
	assert.Equal(t, seq.Next32(), uint32(1))
}
