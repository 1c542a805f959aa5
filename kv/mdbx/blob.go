package mdbx

// blobDataPerPage is how many content bytes fit in one blob page: the
// whole page minus the 1-byte kind tag.
const blobDataPerPage = PageSize - 1

// writeBlob stages a contiguous run of blob pages holding data, returning
// the first page number. Blob runs are always bump-allocated (never taken
// from the free-page set) so the run is guaranteed contiguous without the
// allocator needing to understand multi-page requests.
func (t *Txn) writeBlob(data []byte) (uint64, error) {
	pages := (len(data) + blobDataPerPage - 1) / blobDataPerPage
	if pages == 0 {
		pages = 1
	}
	first, err := t.allocContiguous(pages)
	if err != nil {
		return 0, err
	}
	for i := 0; i < pages; i++ {
		start := i * blobDataPerPage
		end := start + blobDataPerPage
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, PageSize)
		buf[0] = byte(pageKindBlob)
		copy(buf[1:], data[start:end])
		t.stagePage(first+uint64(i), buf)
	}
	return first, nil
}

// readBlob reconstructs a blob of the given length starting at firstPage.
func (t *Txn) readBlob(firstPage, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)
	pages := (length + blobDataPerPage - 1) / blobDataPerPage
	for i := uint64(0); i < pages; i++ {
		buf, err := t.readPage(firstPage + i)
		if err != nil {
			return nil, err
		}
		remaining := length - uint64(len(out))
		take := uint64(blobDataPerPage)
		if remaining < take {
			take = remaining
		}
		out = append(out, buf[1:1+take]...)
	}
	return out, nil
}
