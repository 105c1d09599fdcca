package model

// Resources is the capacity a node advertises in its descriptor.
type Resources struct {
	CPU int64 `json:"cpu"`
	Mem int64 `json:"mem"`
}
