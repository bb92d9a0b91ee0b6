package benchmark

import (
	"runtime"
	"sync"
	"testing"
	"time"
	_ "unsafe"

	"github.com/alphadose/haxmap"
	"github.com/behrouz-rfa/syncmap"
	"github.com/llxisdsh/pb"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zhangyunhao116/skipmap"
)

//go:noescape
//go:linkname runtime_cheaprand runtime.cheaprand
func runtime_cheaprand() uint32

func memUsageMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc / 1024 / 1024
}

// Cold-start scenario: operations scatter across a huge population of
// mostly-idle map instances, so every touch starts from a cold cache.
const (
	numMaps     = 1 << 16 // must stay a power of two for the index mask
	testOps     = 1_000_000
	coldWorkers = 8
)

func runColdStart(
	t *testing.T,
	store func(mapIdx, key int),
	load func(mapIdx, key int),
) {
	runtime.GC()
	runtime.GC()

	t.Logf("Running %d store ops across %d instances...", testOps, numMaps)
	var wg sync.WaitGroup
	wg.Add(coldWorkers)

	start := time.Now()
	for range coldWorkers {
		go func() {
			for range testOps {
				mapIdx := int(runtime_cheaprand() & (numMaps - 1))
				key := int(runtime_cheaprand())
				store(mapIdx, key)
			}
			wg.Done()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	t.Logf("Store: %v total, %d ns/op, %.0f ops/sec, %d MB",
		elapsed,
		elapsed.Nanoseconds()/(testOps*coldWorkers),
		float64(testOps*coldWorkers)/elapsed.Seconds(),
		memUsageMB(),
	)

	time.Sleep(2 * time.Second)
	runtime.GC()
	runtime.GC()

	t.Logf("Running %d load ops across %d instances...", testOps, numMaps)
	wg.Add(coldWorkers)

	start = time.Now()
	for range coldWorkers {
		go func() {
			for range testOps {
				mapIdx := int(runtime_cheaprand() & (numMaps - 1))
				key := int(runtime_cheaprand())
				load(mapIdx, key)
			}
			wg.Done()
		}()
	}
	wg.Wait()
	elapsed = time.Since(start)

	t.Logf("Load: %v total, %d ns/op, %.0f ops/sec, %d MB",
		elapsed,
		elapsed.Nanoseconds()/(testOps*coldWorkers),
		float64(testOps*coldWorkers)/elapsed.Seconds(),
		memUsageMB(),
	)
}

func TestColdStart_syncmap_Map(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cold-start test in short mode")
	}
	t.Logf("Initializing %d instances...", numMaps)

	maps := make([]*syncmap.Map[int, int], numMaps)
	for i := range maps {
		maps[i] = syncmap.New[int, int]()
	}

	// Guards are per map, so scattering across instances pays a full
	// acquire/release on every operation.
	runColdStart(t,
		func(mapIdx, key int) {
			m := maps[mapIdx]
			g := m.Guard()
			m.Store(key, key+1, g)
			g.Release()
		},
		func(mapIdx, key int) {
			m := maps[mapIdx]
			g := m.Guard()
			_, _ = m.Load(key, g)
			g.Release()
		},
	)
}

func TestColdStart_llxisdsh_pb_MapOf(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cold-start test in short mode")
	}
	t.Logf("Initializing %d instances...", numMaps)

	maps := make([]*pb.MapOf[int, int], numMaps)
	for i := range maps {
		maps[i] = pb.NewMapOf[int, int]()
	}

	runColdStart(t,
		func(mapIdx, key int) { maps[mapIdx].Store(key, key+1) },
		func(mapIdx, key int) { _, _ = maps[mapIdx].Load(key) },
	)
}

func TestColdStart_xsync_Map(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cold-start test in short mode")
	}
	t.Logf("Initializing %d instances...", numMaps)

	maps := make([]*xsync.Map[int, int], numMaps)
	for i := range maps {
		maps[i] = xsync.NewMap[int, int]()
	}

	runColdStart(t,
		func(mapIdx, key int) { maps[mapIdx].Store(key, key+1) },
		func(mapIdx, key int) { _, _ = maps[mapIdx].Load(key) },
	)
}

func TestColdStart_sync_Map(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cold-start test in short mode")
	}
	t.Logf("Initializing %d instances...", numMaps)

	maps := make([]*sync.Map, numMaps)
	for i := range maps {
		maps[i] = &sync.Map{}
	}

	runColdStart(t,
		func(mapIdx, key int) { maps[mapIdx].Store(key, key+1) },
		func(mapIdx, key int) { _, _ = maps[mapIdx].Load(key) },
	)
}

func TestColdStart_zhangyunhao116_skipmap(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cold-start test in short mode")
	}
	t.Logf("Initializing %d instances...", numMaps)

	maps := make([]*skipmap.OrderedMap[int, int], numMaps)
	for i := range maps {
		maps[i] = skipmap.New[int, int]()
	}

	runColdStart(t,
		func(mapIdx, key int) { maps[mapIdx].Store(key, key+1) },
		func(mapIdx, key int) { _, _ = maps[mapIdx].Load(key) },
	)
}

func TestColdStart_alphadose_haxmap(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cold-start test in short mode")
	}
	t.Logf("Initializing %d instances...", numMaps)

	maps := make([]*haxmap.Map[int, int], numMaps)
	for i := range maps {
		maps[i] = haxmap.New[int, int]()
	}

	runColdStart(t,
		func(mapIdx, key int) { maps[mapIdx].Set(key, key+1) },
		func(mapIdx, key int) { _, _ = maps[mapIdx].Get(key) },
	)
}

func TestColdStart_RWLockShardedMap(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cold-start test in short mode")
	}
	t.Logf("Initializing %d instances...", numMaps)

	maps := make([]*RWLockShardedMap[int, int], numMaps)
	for i := range maps {
		maps[i] = NewRWLockShardedMap[int, int](8)
	}

	runColdStart(t,
		func(mapIdx, key int) { maps[mapIdx].Store(key, key+1) },
		func(mapIdx, key int) { _, _ = maps[mapIdx].Load(key) },
	)
}
