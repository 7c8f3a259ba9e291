package models

// StarterWatchlist is a predefined list the user can clone into their own.
type StarterWatchlist struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}
