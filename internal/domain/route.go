package domain

// Section is a labelled block of page content.
type Section struct {
	ID          string `json:"id" yaml:"id"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
	Content     string `json:"content" yaml:"content"`
}

// RouteDescriptor describes one page of the site. URL is the unique key.
type RouteDescriptor struct {
	URL         string    `json:"url" yaml:"url"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description" yaml:"description"`
	Sections    []Section `json:"sections" yaml:"sections"`
}

// RouteSummary is a RouteDescriptor without its sections.
type RouteSummary struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Summary projects the descriptor to its summary.
func (r RouteDescriptor) Summary() RouteSummary {
	return RouteSummary{URL: r.URL, Title: r.Title, Description: r.Description}
}
