package snapshot

import "sort"

// Diff compares two snapshots by path. Paths only in new are Added,
// paths in both whose content or metadata moved are Modified, paths only
// in old are Deleted. The sets are disjoint and sorted.
func Diff(old, new *Snapshot) LayerDiff {
	d := LayerDiff{Cacheable: old.Cacheable() && new.Cacheable()}

	for path, rec := range new.Records {
		prev, ok := old.Records[path]
		if !ok {
			d.Added = append(d.Added, path)
			continue
		}
		if rec.changedFrom(prev) {
			d.Modified = append(d.Modified, path)
		}
	}
	for path := range old.Records {
		if _, ok := new.Records[path]; !ok {
			d.Deleted = append(d.Deleted, path)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
	return d
}
