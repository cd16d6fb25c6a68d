package tui

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// evaluate computes a flat infix expression of decimal numbers and the
// four basic operators, multiplication and division binding tighter
// than addition and subtraction.
func evaluate(expr string) (float64, error) {
	nums, ops, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return 0, fmt.Errorf("empty expression")
	}

	// First pass folds * and / into their left operand.
	foldedNums := []float64{nums[0]}
	var foldedOps []byte
	for i, op := range ops {
		right := nums[i+1]
		switch op {
		case '*':
			foldedNums[len(foldedNums)-1] *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			foldedNums[len(foldedNums)-1] /= right
		default:
			foldedNums = append(foldedNums, right)
			foldedOps = append(foldedOps, op)
		}
	}

	result := foldedNums[0]
	for i, op := range foldedOps {
		if op == '+' {
			result += foldedNums[i+1]
		} else {
			result -= foldedNums[i+1]
		}
	}
	return result, nil
}

func tokenize(expr string) ([]float64, []byte, error) {
	var nums []float64
	var ops []byte
	var cur strings.Builder

	flush := func() error {
		if cur.Len() == 0 {
			return fmt.Errorf("missing operand")
		}
		n, err := strconv.ParseFloat(cur.String(), 64)
		if err != nil {
			return fmt.Errorf("bad number %q", cur.String())
		}
		nums = append(nums, n)
		cur.Reset()
		return nil
	}

	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case ch >= '0' && ch <= '9' || ch == '.':
			cur.WriteByte(ch)
		case ch == '+' || ch == '*' || ch == '/':
			if err := flush(); err != nil {
				return nil, nil, err
			}
			ops = append(ops, ch)
		case ch == '-':
			// Leading minus or minus after an operator is a sign.
			if cur.Len() == 0 && (len(nums) == 0 || len(ops) == len(nums)) {
				cur.WriteByte(ch)
				continue
			}
			if err := flush(); err != nil {
				return nil, nil, err
			}
			ops = append(ops, ch)
		default:
			return nil, nil, fmt.Errorf("bad character %q", ch)
		}
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}
	if len(ops) != len(nums)-1 {
		return nil, nil, fmt.Errorf("malformed expression")
	}
	return nums, ops, nil
}

// formatResult trims trailing zeros so 8/2 shows as 4, not 4.000000.
func formatResult(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return "Error"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', 10, 64)
}
