package models

import (
	"errors"
	"fmt"
	"math"
)

// obliqueTolerance bounds the off-axis cosine of an axis-aligned column.
const obliqueTolerance = 1e-3

// Axis codes use the "from" convention of ITK/c3d: each letter names the
// anatomical side the voxel axis starts from. An identity RAS+ affine is LPI.
var (
	fromNegative = [3]byte{'R', 'A', 'S'}
	fromPositive = [3]byte{'L', 'P', 'I'}
)

// OrientationCode derives the axis code of an affine. When the affine is not
// axis aligned the closest code is returned and oblique is true.
func OrientationCode(a Affine) (code string, oblique bool, err error) {
	var letters [3]byte
	used := [3]bool{}
	for j := 0; j < 3; j++ {
		col := [3]float64{a[0][j], a[1][j], a[2][j]}
		norm := math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
		if norm == 0 {
			return "", false, fmt.Errorf("degenerate affine: column %d is zero", j)
		}
		best := -1
		for i := 0; i < 3; i++ {
			if used[i] {
				continue
			}
			if best < 0 || math.Abs(col[i]) > math.Abs(col[best]) {
				best = i
			}
		}
		used[best] = true
		if 1-math.Abs(col[best])/norm > obliqueTolerance {
			oblique = true
		}
		if col[best] > 0 {
			letters[j] = fromPositive[best]
		} else {
			letters[j] = fromNegative[best]
		}
	}
	return string(letters[:]), oblique, nil
}

// AxisOf returns the world axis (0=x, 1=y, 2=z) named by a code letter and
// whether the voxel axis runs in the positive world direction.
func AxisOf(letter byte) (axis int, positive bool, err error) {
	for i := 0; i < 3; i++ {
		switch letter {
		case fromPositive[i]:
			return i, true, nil
		case fromNegative[i]:
			return i, false, nil
		}
	}
	return 0, false, fmt.Errorf("unknown orientation letter %q", letter)
}

// ValidateCode checks that code names each world axis exactly once.
func ValidateCode(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("orientation code %q must have 3 letters", code)
	}
	seen := [3]bool{}
	for i := 0; i < 3; i++ {
		axis, _, err := AxisOf(code[i])
		if err != nil {
			return err
		}
		if seen[axis] {
			return errors.New("orientation code " + code + " repeats an axis")
		}
		seen[axis] = true
	}
	return nil
}
