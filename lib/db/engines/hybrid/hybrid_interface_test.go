package hybrid

import (
	"testing"

	"github.com/ValentinKolb/hKV/lib/core"
	"github.com/ValentinKolb/hKV/lib/db"
	dbtesting "github.com/ValentinKolb/hKV/lib/db/testing"
)

func factory(dir string) db.KVDB {
	opts := DefaultOptions()
	opts.Engine = core.Options{Dir: dir}
	kv, err := NewHybridDB(opts)
	if err != nil {
		panic(err)
	}
	return kv
}

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "HybridDB", factory)
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "HybridDB", factory)
}
