package dataset

import (
	"container/list"
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/Brownie44l1/tl-classifier/internal/preprocess"
	"github.com/Brownie44l1/tl-classifier/internal/train"
)

// LoaderConfig controls batching.
type LoaderConfig struct {
	BatchSize int
	// Shuffle reorders samples at the start of every epoch.
	Shuffle bool
	Seed    int64
	// Workers decode images of a batch in parallel. Defaults to GOMAXPROCS.
	Workers int
	// CacheSize is the number of preprocessed images kept in memory.
	CacheSize int
}

// Loader serves an ImageFolder as train.Dataset batches, preprocessing images
// on demand.
type Loader struct {
	samples []Sample
	order   []int
	cfg     LoaderConfig
	pipe    preprocess.Pipeline
	cache   *lru
}

func NewLoader(d *ImageFolder, pipe preprocess.Pipeline, cfg LoaderConfig) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	order := make([]int, len(d.Samples))
	for i := range order {
		order[i] = i
	}
	return &Loader{
		samples: d.Samples,
		order:   order,
		cfg:     cfg,
		pipe:    pipe,
		cache:   newLRU(cfg.CacheSize),
	}
}

func (l *Loader) NumBatches() int {
	return (len(l.samples) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Shuffle sets the sample order for epoch. It is a no-op unless the loader
// was configured to shuffle.
func (l *Loader) Shuffle(epoch int) {
	if !l.cfg.Shuffle {
		return
	}
	for i := range l.order {
		l.order[i] = i
	}
	rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)))
	rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}

func (l *Loader) Batch(ctx context.Context, i int) (train.Batch, error) {
	if i < 0 || i >= l.NumBatches() {
		return train.Batch{}, fmt.Errorf("batch %d out of range [0, %d)", i, l.NumBatches())
	}
	start := i * l.cfg.BatchSize
	end := min(start+l.cfg.BatchSize, len(l.samples))
	idx := l.order[start:end]

	size := l.pipe.Len()
	b := train.Batch{
		Pixels: make([]float32, len(idx)*size),
		Labels: make([]int32, len(idx)),
	}

	jobs := make(chan int, len(idx))
	errs := make([]error, len(idx))
	var wg sync.WaitGroup
	for w := 0; w < min(l.cfg.Workers, len(idx)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					errs[j] = err
					continue
				}
				s := l.samples[idx[j]]
				pixels, err := l.load(s.Path)
				if err != nil {
					errs[j] = err
					continue
				}
				copy(b.Pixels[j*size:(j+1)*size], pixels)
				b.Labels[j] = s.Label
			}
		}()
	}
	for j := range idx {
		jobs <- j
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return train.Batch{}, err
		}
	}
	return b, nil
}

func (l *Loader) load(path string) ([]float32, error) {
	if data, ok := l.cache.get(path); ok {
		return data, nil
	}
	data, err := l.pipe.Path(path)
	if err != nil {
		return nil, err
	}
	l.cache.put(path, data)
	return data, nil
}

// lru caches preprocessed images by path. A zero capacity disables it.
type lru struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type lruEntry struct {
	key  string
	data []float32
}

func newLRU(capacity int) *lru {
	return &lru{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *lru) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e)
	return e.Value.(*lruEntry).data, true
}

func (c *lru) put(key string, data []float32) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.MoveToFront(e)
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, data: data})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}
