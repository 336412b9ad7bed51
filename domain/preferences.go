package domain

// Preferences holds a user's persisted dashboard defaults.
type Preferences struct {
	SortOption     string `json:"sortOption"`
	StatusFilter   string `json:"statusFilter"`
	CategoryFilter string `json:"categoryFilter"`
	View           string `json:"view"`
}

// DefaultPreferences mirrors the dashboard's initial state for users that
// have never saved anything.
func DefaultPreferences() Preferences {
	return Preferences{
		SortOption:     "deadline",
		StatusFilter:   "incomplete",
		CategoryFilter: "all",
		View:           "list",
	}
}
