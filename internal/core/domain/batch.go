package domain

// Batch is a budget-bounded group of consecutive records formatted for one request.
type Batch struct {
	Index         int
	Records       []Record
	FormattedText string
	CharCount     int
	TokenEstimate int
	FirstKey      Cursor
	LastKey       Cursor
}

// Size returns the number of records in the batch.
func (b *Batch) Size() int {
	return len(b.Records)
}
