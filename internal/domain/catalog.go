package domain

// Episode es el último episodio publicado de una serie favorita
type Episode struct {
	ID     string `json:"id"`
	Number string `json:"number,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Favorite es una serie marcada como favorita en el catálogo
type Favorite struct {
	AnimeID string   `json:"anime_id"`
	Title   string   `json:"title"`
	Year    string   `json:"year,omitempty"`
	Season  string   `json:"season,omitempty"`
	Latest  *Episode `json:"latest_episode,omitempty"`
}
