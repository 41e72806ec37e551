package vmm

import "orrery/kernel/mm"

// usedRange is one maximal run of resident pages.
type usedRange struct {
	page  mm.Page
	count int
}

// usedSpace tracks the resident subset of an area's pages as a sorted list
// of non-overlapping, non-adjacent ranges. Areas hold at most a few hundred
// resident ranges, so a binary-searched slice beats a balanced tree here.
type usedSpace struct {
	ranges []usedRange
}

// search returns the index of the first range starting after page.
func (u *usedSpace) search(page mm.Page) int {
	lo, hi := 0, len(u.ranges)
	for lo < hi {
		mid := (lo + hi) >> 1
		if u.ranges[mid].page <= page {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// contains reports whether page is resident.
func (u *usedSpace) contains(page mm.Page) bool {
	i := u.search(page)
	if i == 0 {
		return false
	}
	r := u.ranges[i-1]
	return page < r.page+mm.Page(r.count)
}

// insert marks page as resident, merging with adjacent ranges. It returns
// false if the page was already present.
func (u *usedSpace) insert(page mm.Page) bool {
	i := u.search(page)

	var prev, next *usedRange
	if i > 0 {
		prev = &u.ranges[i-1]
	}
	if i < len(u.ranges) {
		next = &u.ranges[i]
	}

	if prev != nil && page < prev.page+mm.Page(prev.count) {
		return false
	}

	extendsPrev := prev != nil && page == prev.page+mm.Page(prev.count)
	extendsNext := next != nil && page+1 == next.page

	switch {
	case extendsPrev && extendsNext:
		prev.count += 1 + next.count
		u.ranges = append(u.ranges[:i], u.ranges[i+1:]...)
	case extendsPrev:
		prev.count++
	case extendsNext:
		next.page = page
		next.count++
	default:
		u.ranges = append(u.ranges, usedRange{})
		copy(u.ranges[i+1:], u.ranges[i:])
		u.ranges[i] = usedRange{page: page, count: 1}
	}

	return true
}

// remove marks page as no longer resident, splitting its range if needed. It
// returns false if the page was not present.
func (u *usedSpace) remove(page mm.Page) bool {
	i := u.search(page)
	if i == 0 {
		return false
	}

	r := &u.ranges[i-1]
	if page >= r.page+mm.Page(r.count) {
		return false
	}

	switch {
	case r.count == 1:
		u.ranges = append(u.ranges[:i-1], u.ranges[i:]...)
	case page == r.page:
		r.page++
		r.count--
	case page == r.page+mm.Page(r.count)-1:
		r.count--
	default:
		// Split: keep the head in place and insert the tail after it.
		tail := usedRange{page: page + 1, count: int(r.page+mm.Page(r.count)-page) - 1}
		r.count = int(page - r.page)
		u.ranges = append(u.ranges, usedRange{})
		copy(u.ranges[i+1:], u.ranges[i:])
		u.ranges[i] = tail
	}

	return true
}

// pageCount returns the total number of resident pages.
func (u *usedSpace) pageCount() int {
	var total int
	for _, r := range u.ranges {
		total += r.count
	}
	return total
}

// visit calls fn for every resident page in ascending order until fn returns
// false.
func (u *usedSpace) visit(fn func(page mm.Page) bool) {
	for _, r := range u.ranges {
		for p := 0; p < r.count; p++ {
			if !fn(r.page + mm.Page(p)) {
				return
			}
		}
	}
}
