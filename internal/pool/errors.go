package pool

import "fmt"

// ErrInsufficientCapacity is returned by ScaleTo when fewer workers than asked for came up.
type ErrInsufficientCapacity struct {
	Pool   string
	Wanted int
	Got    int
}

func (e ErrInsufficientCapacity) Error() string {
	return fmt.Sprintf("%s: wanted %d members but only %d are healthy", e.Pool, e.Wanted, e.Got)
}
