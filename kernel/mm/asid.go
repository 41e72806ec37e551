package mm

// ASID tags a page-table context so the TLB may cache translations from
// multiple address spaces at the same time.
type ASID uint16

const (
	// ASIDInvalid marks an address space that has not been assigned an
	// ASID yet. ASIDs are handed out lazily on the first page-table
	// install.
	ASIDInvalid ASID = 0

	// ASIDCount bounds the ASID namespace. The value matches the 8-bit
	// context tags found on the smallest supported MMUs; ASID 0 stays
	// reserved as the invalid marker.
	ASIDCount = 256
)
