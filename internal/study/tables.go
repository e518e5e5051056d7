package study

// Study topology.
const (
	NumConditions      = 5
	TrialsPerCondition = 10
	TotalTrials        = NumConditions * TrialsPerCondition
	NumTrips           = 10
)

// ConditionOrderTable is the Latin square of condition orders. Row i is the
// block-by-block condition sequence for conditionOrderIndex i.
var ConditionOrderTable = [NumConditions][NumConditions]int{
	{0, 1, 2, 3, 4},
	{1, 2, 3, 4, 0},
	{2, 3, 4, 0, 1},
	{3, 4, 0, 1, 2},
	{4, 0, 1, 2, 3},
}

// TrialOrderTable holds the within-block trip orders. The row used for a block
// is rotated by the block index, see ResolveTripID.
var TrialOrderTable = [NumTrips][TrialsPerCondition]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{4, 7, 1, 9, 2, 0, 5, 8, 3, 6},
	{8, 2, 5, 0, 6, 9, 1, 4, 7, 3},
	{3, 6, 9, 1, 8, 4, 0, 2, 5, 7},
	{7, 0, 4, 8, 1, 3, 9, 6, 2, 5},
	{2, 9, 6, 3, 5, 7, 4, 0, 1, 8},
	{5, 3, 0, 7, 9, 1, 8, 2, 6, 4},
	{9, 5, 8, 2, 0, 6, 3, 1, 4, 7},
	{1, 8, 3, 6, 7, 2, 0, 9, 5, 4},
	{6, 4, 7, 5, 3, 8, 2, 9, 0, 1},
}
