package chunk

import (
	"path"
	"sort"
	"strings"

	"bundleweaver/internal/hashing"
	"bundleweaver/internal/trace"
)

// enforceMaxSize splits chunks above the maximum size. Every part holds
// strictly fewer modules than its parent, so the worklist drains.
func (pl *planner) enforceMaxSize() {
	if pl.cfg.MaxSize <= 0 {
		return
	}
	var work []string
	for _, name := range pl.names() {
		if pl.buckets[name].size > pl.cfg.MaxSize {
			work = append(work, name)
		}
	}
	for len(work) > 0 {
		b := pl.buckets[work[0]]
		work = work[1:]
		if b == nil {
			continue
		}
		parts := pl.split(b)
		if len(parts) < 2 {
			pl.rec.Record(trace.Event{Kind: trace.EventChunkOversized, Subject: b.name, Size: b.size})
			continue
		}

		pl.remove(b)
		names := make([]string, 0, len(parts))
		for _, members := range parts {
			digest := hashing.Short(hashing.New().Strings(members).Sum(), 8)
			part := pl.bucketFor(b.key+"/"+digest, b.name+pl.cfg.Delimiter+digest, b.kind, b.group, b.owner)
			for _, m := range members {
				part.add(m, pl.sizes[m])
			}
			names = append(names, part.name)
			if part.size > pl.cfg.MaxSize {
				work = append(work, part.name)
			}
		}
		pl.rec.Record(trace.Event{Kind: trace.EventChunkSplit, Subject: b.name, Size: b.size, Items: names})
	}
}

// split tries each strategy in turn and returns the first that yields more
// than one part after undersized parts are folded.
func (pl *planner) split(b *bucket) [][]string {
	if len(b.modules) < 2 {
		return nil
	}
	mods := b.sorted()
	minSize := pl.cfg.groupMinSize(b.group)
	for _, strategy := range []func([]string) [][]string{pl.byRequesterSet, pl.byPackage, pl.binPack} {
		if parts := pl.fold(strategy(mods), minSize); len(parts) > 1 {
			return parts
		}
	}
	return nil
}

func (pl *planner) byRequesterSet(mods []string) [][]string {
	return partitionBy(mods, func(m string) string { return strings.Join(pl.reach[m], "\x00") })
}

func (pl *planner) byPackage(mods []string) [][]string {
	marker := "/" + strings.Trim(pl.cfg.VendorDir, "/") + "/"
	return partitionBy(mods, func(m string) string { return packageKey(m, marker) })
}

// packageKey returns the vendor package (scoped packages keep their scope)
// or the containing directory.
func packageKey(module, marker string) string {
	p := "/" + strings.TrimPrefix(module, "/")
	i := strings.LastIndex(p, marker)
	if i < 0 {
		return path.Dir(module)
	}
	rest := p[i+len(marker):]
	segs := strings.SplitN(rest, "/", 3)
	if strings.HasPrefix(segs[0], "@") && len(segs) > 1 {
		return segs[0] + "/" + segs[1]
	}
	return segs[0]
}

// binPack fills parts in path order up to the maximum size.
func (pl *planner) binPack(mods []string) [][]string {
	var (
		parts [][]string
		cur   []string
		size  int64
	)
	for _, m := range mods {
		if len(cur) > 0 && size+pl.sizes[m] > pl.cfg.MaxSize {
			parts = append(parts, cur)
			cur, size = nil, 0
		}
		cur = append(cur, m)
		size += pl.sizes[m]
	}
	if len(cur) > 0 {
		parts = append(parts, cur)
	}
	return parts
}

// fold merges the smallest part into the next smallest until every part
// reaches minSize or one part remains.
func (pl *planner) fold(parts [][]string, minSize int64) [][]string {
	sizeOf := func(ms []string) int64 {
		var n int64
		for _, m := range ms {
			n += pl.sizes[m]
		}
		return n
	}
	for len(parts) > 1 {
		small := 0
		for i := range parts {
			if sizeOf(parts[i]) < sizeOf(parts[small]) {
				small = i
			}
		}
		if sizeOf(parts[small]) >= minSize {
			break
		}
		next := -1
		for i := range parts {
			if i == small {
				continue
			}
			if next < 0 || sizeOf(parts[i]) < sizeOf(parts[next]) {
				next = i
			}
		}
		merged := append(append([]string(nil), parts[next]...), parts[small]...)
		sort.Strings(merged)
		parts[next] = merged
		parts = append(parts[:small], parts[small+1:]...)
	}
	return parts
}

// partitionBy groups mods by key, keeping first-appearance order.
func partitionBy(mods []string, key func(string) string) [][]string {
	index := map[string]int{}
	var parts [][]string
	for _, m := range mods {
		k := key(m)
		i, ok := index[k]
		if !ok {
			i = len(parts)
			index[k] = i
			parts = append(parts, nil)
		}
		parts[i] = append(parts[i], m)
	}
	return parts
}
