package database

// Repo provides typed access to all tables. Consumer packages declare the
// narrow interface slice they need; *Repo satisfies each of them.
type Repo struct {
	db *DB
}

// NewRepo creates a repository over the connection pool.
func NewRepo(db *DB) *Repo {
	return &Repo{db: db}
}
