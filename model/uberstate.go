package model

import "fmt"

// UberStateID identifies one persistent game variable by its (group, state) pair.
type UberStateID struct {
	Group int32
	State int32
}

func (id UberStateID) String() string {
	return fmt.Sprintf("(%d,%d)", id.Group, id.State)
}
