package queue

import "github.com/nvmectl/go-nvmectl/internal/uapi"

// MapPRP fills an SQE's prp1/prp2 fields for a transfer buffer already
// IOMMU-mapped at iova, spilling into a PRP list built in rq's scratch
// page when length exceeds two pages. The choice depends on length alone,
// not on where iova falls within its page.
func MapPRP(sq *SubmissionQueue, rq *RequestContext, iova uint64, length int, sqe *uapi.SQE) {
	switch {
	case length <= pageSize:
		sqe.PRP1 = iova
		sqe.PRP2 = 0

	case length <= 2*pageSize:
		sqe.PRP1 = iova
		sqe.PRP2 = secondPageIOVA(iova)

	default:
		sqe.PRP1 = iova
		sqe.PRP2 = rq.ScratchIOVA

		scratch := sq.ScratchBytes(rq, int(rq.CID))
		firstPageEnd := firstPageBoundary(iova)
		remaining := length - int(firstPageEnd-iova)
		pageIOVA := firstPageEnd
		idx := 0
		for remaining > 0 {
			uapi.PutPRPListEntry(scratch, idx, pageIOVA)
			pageIOVA += pageSize
			remaining -= pageSize
			idx++
		}
	}
}

// firstPageBoundary returns the IOVA of the first page boundary strictly
// after iova (the start of the page following iova's page).
func firstPageBoundary(iova uint64) uint64 {
	return (iova + pageSize) &^ (pageSize - 1)
}

// secondPageIOVA returns the IOVA of the page immediately following iova's
// page, used when a <=2-page transfer spans a page boundary.
func secondPageIOVA(iova uint64) uint64 {
	return firstPageBoundary(iova)
}
