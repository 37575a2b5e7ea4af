package espformat

import "fmt"

// GroupType identifies what a GRUP label means.
type GroupType uint32

const (
	GroupTop GroupType = iota
	GroupWorldChildren
	GroupInteriorCellBlock
	GroupInteriorCellSubBlock
	GroupExteriorCellBlock
	GroupExteriorCellSubBlock
	GroupCellChildren
	GroupTopicChildren
	GroupCellPersistentChildren
	GroupCellTemporaryChildren
)

var groupTypeNames = [...]string{
	"top",
	"world_children",
	"interior_cell_block",
	"interior_cell_sub_block",
	"exterior_cell_block",
	"exterior_cell_sub_block",
	"cell_children",
	"topic_children",
	"cell_persistent_children",
	"cell_temporary_children",
}

// Valid reports whether g is one of the ten defined group types.
func (g GroupType) Valid() bool { return g <= GroupCellTemporaryChildren }

func (g GroupType) String() string {
	if g.Valid() {
		return groupTypeNames[g]
	}
	return fmt.Sprintf("group_type(%d)", uint32(g))
}
