package transform

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ResidualFunc writes the residual vector for params into dst.
type ResidualFunc func(dst, params []float64)

// LMSettings controls LevenbergMarquardt.
type LMSettings struct {
	MaxIterations int
	// Stop when the relative cost decrease or the relative step falls below Epsilon.
	Epsilon float64
	// Free marks which parameters are optimized; nil means all.
	Free []bool
}

// DefaultLMSettings are good for calibration sized problems.
var DefaultLMSettings = LMSettings{MaxIterations: 100, Epsilon: 1e-10}

// LevenbergMarquardt minimizes the squared norm of f starting from params, which is updated in
// place. The Jacobian is estimated with central finite differences. It returns the final sum of
// squared residuals.
func LevenbergMarquardt(ctx context.Context, f ResidualFunc, nResiduals int, params []float64, settings LMSettings) (float64, error) {
	free := make([]int, 0, len(params))
	for i := range params {
		if settings.Free == nil || settings.Free[i] {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		res := make([]float64, nResiduals)
		f(res, params)
		return floats.Dot(res, res), nil
	}
	if nResiduals < len(free) {
		return 0, errors.Errorf("underdetermined problem: %d residuals for %d parameters", nResiduals, len(free))
	}

	full := append([]float64(nil), params...)
	reduced := func(dst, x []float64) {
		p := append([]float64(nil), full...)
		for i, idx := range free {
			p[idx] = x[i]
		}
		f(dst, p)
	}

	x := make([]float64, len(free))
	for i, idx := range free {
		x[i] = params[idx]
	}
	res := make([]float64, nResiduals)
	reduced(res, x)
	cost := floats.Dot(res, res)

	jac := mat.NewDense(nResiduals, len(free), nil)
	var jtj mat.SymDense
	jtr := mat.NewVecDense(len(free), nil)
	lambda := 1e-3
	trial := make([]float64, len(free))
	trialRes := make([]float64, nResiduals)

	converged := false
	for iter := 0; iter < settings.MaxIterations && !converged; iter++ {
		if err := ctx.Err(); err != nil {
			return cost, err
		}
		fd.Jacobian(jac, reduced, x, &fd.JacobianSettings{
			Formula:     fd.Central,
			OriginValue: res,
			Concurrent:  true,
		})
		jtj.SymOuterK(1, jac.T())
		jtr.MulVec(jac.T(), mat.NewVecDense(nResiduals, res))

		improved := false
		for attempt := 0; attempt < 10; attempt++ {
			a := mat.NewDense(len(free), len(free), nil)
			a.Copy(&jtj)
			for i := 0; i < len(free); i++ {
				diag := jtj.At(i, i)
				if diag == 0 {
					diag = 1
				}
				a.Set(i, i, diag*(1+lambda))
			}
			var step mat.VecDense
			if err := step.SolveVec(a, jtr); err != nil {
				lambda *= 10
				continue
			}
			for i := range x {
				trial[i] = x[i] - step.AtVec(i)
			}
			reduced(trialRes, trial)
			trialCost := floats.Dot(trialRes, trialRes)
			if !math.IsNaN(trialCost) && trialCost < cost {
				stepNorm := floats.Norm(step.RawVector().Data, 2)
				xNorm := floats.Norm(x, 2)
				decrease := (cost - trialCost) / math.Max(cost, 1e-300)
				copy(x, trial)
				copy(res, trialRes)
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				improved = true
				converged = decrease < settings.Epsilon || stepNorm < settings.Epsilon*(xNorm+settings.Epsilon)
				break
			}
			lambda *= 10
		}
		if !improved {
			converged = true
		}
	}

	for i, idx := range free {
		params[idx] = x[i]
	}
	return cost, nil
}
