package heatmap

// FormPartitions slices a density map into at most cfg.Workers partitions of
// roughly equal record count. Boundaries always land on bucket edges (the
// equal-count target is snapped to the nearest edge, ties to the lower edge).
// Partitions below MinRecordsPerWorker are merged with their right neighbor
// and the final partition absorbs any remainder. When MaxTotalRecords > 0 the
// scan range is truncated at that cap.
//
// Returns the partition set and the total record count it covers. Unknown
// buckets (Count == -1) are counted conservatively as MaxPartitionSize.
func FormPartitions(buckets []Bucket, cfg Config) ([]PartitionRange, int64) {
	cfg.applyDefaults()
	if len(buckets) == 0 {
		return nil, 0
	}

	type slice struct {
		lo, hi float64
		count  int64
	}

	// Effective counts with the MaxTotalRecords cap applied.
	var slices []slice
	var total int64
	for _, b := range buckets {
		c := b.Count
		if c == -1 {
			c = cfg.MaxPartitionSize
		}
		if cfg.MaxTotalRecords > 0 && total+c >= cfg.MaxTotalRecords {
			remaining := cfg.MaxTotalRecords - total
			if remaining > 0 {
				slices = append(slices, slice{lo: b.Min, hi: b.Max, count: remaining})
				total += remaining
			}
			break
		}
		slices = append(slices, slice{lo: b.Min, hi: b.Max, count: c})
		total += c
	}
	if total == 0 {
		// Nothing to fetch; still emit a single empty partition covering the
		// range so the run bookkeeping has something to complete.
		return []PartitionRange{{
			PartitionID: 0,
			PriceMin:    buckets[0].Min,
			PriceMax:    buckets[len(buckets)-1].Max,
		}}, 0
	}

	workers := cfg.Workers
	target := total / int64(workers)
	if total%int64(workers) != 0 {
		target++
	}

	var parts []PartitionRange
	cur := PartitionRange{PriceMin: slices[0].lo}
	var curCount int64
	for i, sl := range slices {
		tentative := curCount + sl.count
		if tentative >= target && len(parts) < workers-1 {
			overshoot := tentative - target
			undershoot := target - curCount
			if overshoot < undershoot || curCount == 0 {
				// Snap to this bucket's upper edge.
				cur.PriceMax = sl.hi
				cur.ExpectedRecords = tentative
				parts = append(parts, cur)
				if i+1 < len(slices) {
					cur = PartitionRange{PriceMin: slices[i+1].lo}
				} else {
					cur = PartitionRange{PriceMin: sl.hi}
				}
				curCount = 0
				continue
			}
			// Snap to the lower edge (ties land here): close before this bucket.
			cur.PriceMax = sl.lo
			cur.ExpectedRecords = curCount
			parts = append(parts, cur)
			cur = PartitionRange{PriceMin: sl.lo}
			curCount = sl.count
			continue
		}
		curCount = tentative
	}
	// Final partition absorbs the remainder.
	if curCount > 0 || len(parts) == 0 {
		cur.PriceMax = slices[len(slices)-1].hi
		cur.ExpectedRecords = curCount
		parts = append(parts, cur)
	} else if len(parts) > 0 {
		// No leftover counts: stretch the last partition to cover the tail.
		parts[len(parts)-1].PriceMax = slices[len(slices)-1].hi
	}

	parts = mergeSmall(parts, cfg.MinRecordsPerWorker)

	for i := range parts {
		parts[i].PartitionID = i
	}
	return parts, total
}

// mergeSmall folds partitions below min into their right neighbor; a final
// partition below min folds left instead, so the result stays contiguous.
func mergeSmall(parts []PartitionRange, min int64) []PartitionRange {
	if min <= 0 || len(parts) <= 1 {
		return parts
	}

	out := parts[:0]
	var carry *PartitionRange
	for i := range parts {
		p := parts[i]
		if carry != nil {
			p.PriceMin = carry.PriceMin
			p.ExpectedRecords += carry.ExpectedRecords
			carry = nil
		}
		if p.ExpectedRecords < min && i < len(parts)-1 {
			c := p
			carry = &c
			continue
		}
		out = append(out, p)
	}
	if carry != nil {
		// The tail itself was below min with no right neighbor left.
		out = append(out, *carry)
	}

	// A small final partition folds into its left neighbor.
	if len(out) >= 2 && out[len(out)-1].ExpectedRecords < min {
		last := out[len(out)-1]
		out[len(out)-2].PriceMax = last.PriceMax
		out[len(out)-2].ExpectedRecords += last.ExpectedRecords
		out = out[:len(out)-1]
	}
	return out
}
