package models

// Listing is the catalog's view of a provider's service offer. Only the
// fields the chat core reads are modeled here; the catalog owns the
// rest.
type Listing struct {
	Provider string `json:"provider"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
}
