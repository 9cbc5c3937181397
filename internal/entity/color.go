package entity

import (
	"math"

	"cogentcore.org/core/math32"
)

var (
	quietColor  = math32.Vec3(0.32, 0.45, 0.85)
	activeColor = math32.Vec3(1.0, 0.72, 0.30)
	riskColor   = math32.Vec3(0.95, 0.25, 0.25)
)

// ActivityColor is the display color of a member. It is presentation only and
// is recomputed on restore rather than persisted.
func ActivityColor(activity, risk float32) math32.Vector3 {
	a := clamp01(activity)
	c := math32.Vec3(
		math32.Lerp(quietColor.X, activeColor.X, a),
		math32.Lerp(quietColor.Y, activeColor.Y, a),
		math32.Lerp(quietColor.Z, activeColor.Z, a),
	)
	// Tint toward red above a risk of 70.
	if risk > 70 {
		t := clamp01((risk - 70) / 30 * 0.6)
		c = math32.Vec3(
			math32.Lerp(c.X, riskColor.X, t),
			math32.Lerp(c.Y, riskColor.Y, t),
			math32.Lerp(c.Z, riskColor.Z, t),
		)
	}
	return c
}

// PointSize maps activity onto a point size.
func PointSize(activity float32) float32 {
	return 1 + 2.5*clamp01(activity)
}

// DeriveRisk is the display risk score used when the remote service does not
// provide one: 100 on day zero, decaying to 0 after a year.
func DeriveRisk(sobrietyDays int) float32 {
	if sobrietyDays <= 0 {
		return 100
	}
	r := 100 * (1 - float32(sobrietyDays)/365)
	if r < 0 {
		return 0
	}
	return r
}

func log1p(v float64) float64 { return math.Log1p(v) }
