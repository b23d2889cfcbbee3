package peakfit

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	lambdaInit = 1e-3
	lambdaMax  = 1e16
	lambdaMin  = 1e-15
)

// solution is the raw output of the Levenberg-Marquardt solver
type solution struct {
	params     []float64
	ssr        float64
	iterations int
	converged  bool
	accepted   int
}

// problem holds the data being fit and the normal-equation scratch space
type problem struct {
	model Model
	x, y  []float64
	k     int

	row []float64
	jtj []float64 // k*k, row major
	jtr []float64
}

func newProblem(model Model, x, y []float64) *problem {
	k := model.nparams()
	return &problem{
		model: model,
		x:     x,
		y:     y,
		k:     k,
		row:   make([]float64, k),
		jtj:   make([]float64, k*k),
		jtr:   make([]float64, k),
	}
}

// ssr is the sum of squared residuals at v
func (p *problem) ssr(v []float64) float64 {
	var sum float64
	for i, xi := range p.x {
		r := p.y[i] - p.model.eval(xi, v)
		sum += r * r
	}
	return sum
}

// normal accumulates J^T J and J^T r at v
func (p *problem) normal(v []float64) {
	for i := range p.jtj {
		p.jtj[i] = 0
	}
	for i := range p.jtr {
		p.jtr[i] = 0
	}
	k := p.k
	for i, xi := range p.x {
		r := p.y[i] - p.model.eval(xi, v)
		p.model.grad(xi, v, p.row)
		for a := 0; a < k; a++ {
			ga := p.row[a]
			p.jtr[a] += ga * r
			for b := a; b < k; b++ {
				p.jtj[a*k+b] += ga * p.row[b]
			}
		}
	}
	for a := 0; a < k; a++ {
		for b := 0; b < a; b++ {
			p.jtj[a*k+b] = p.jtj[b*k+a]
		}
	}
}

// damped builds J^T J + lambda*diag(J^T J)
func (p *problem) damped(lambda float64) *mat.SymDense {
	k := p.k
	a := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			v := p.jtj[i*k+j]
			if i == j {
				d := v
				if d < 1e-300 {
					d = 1e-300
				}
				v += lambda * d
			}
			a.SetSym(i, j, v)
		}
	}
	return a
}

func finite(v ...float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// levenbergMarquardt minimizes the sum of squared residuals starting at seed
func levenbergMarquardt(p *problem, seed []float64, opts Options) solution {
	v := append([]float64(nil), seed...)
	sol := solution{params: v, ssr: p.ssr(v)}
	if !finite(sol.ssr) {
		return sol
	}
	var sumY2 float64
	for _, y := range p.y {
		sumY2 += y * y
	}
	lambda := lambdaInit
	trial := make([]float64, p.k)
	delta := mat.NewVecDense(p.k, nil)
	for sol.iterations = 0; sol.iterations < opts.MaxIter; sol.iterations++ {
		if sol.ssr <= 1e-24*(sumY2+1) {
			sol.converged = true
			return sol
		}
		p.normal(v)
		rhs := mat.NewVecDense(p.k, p.jtr)
		for {
			var chol mat.Cholesky
			if ok := chol.Factorize(p.damped(lambda)); !ok {
				lambda *= 10
				if lambda > lambdaMax {
					sol.converged = sol.accepted > 0
					return sol
				}
				continue
			}
			if err := chol.SolveVecTo(delta, rhs); err != nil {
				lambda *= 10
				if lambda > lambdaMax {
					sol.converged = sol.accepted > 0
					return sol
				}
				continue
			}
			for i := range trial {
				trial[i] = v[i] + delta.AtVec(i)
			}
			ssrNew := p.ssr(trial)
			if finite(ssrNew) && ssrNew < sol.ssr {
				reduction := (sol.ssr - ssrNew) / sol.ssr
				step := floats.Norm(delta.RawVector().Data, 2)
				copy(v, trial)
				sol.ssr = ssrNew
				sol.accepted++
				lambda /= 10
				if lambda < lambdaMin {
					lambda = lambdaMin
				}
				if reduction <= opts.FTol || step <= opts.XTol*(floats.Norm(v, 2)+opts.XTol) {
					sol.converged = true
					sol.iterations++
					return sol
				}
				break
			}
			lambda *= 10
			if lambda > lambdaMax {
				// no descent direction is left; this is a minimum
				// if the solver ever moved off the seed
				sol.converged = sol.accepted > 0
				return sol
			}
		}
	}
	return sol
}

// covariance returns the parameter covariance at v, scaled by the residual
// variance as in an unweighted least squares fit.  ok is false when the
// normal matrix is singular.
func (p *problem) covariance(v []float64, ssr float64) (*mat.SymDense, bool) {
	p.normal(v)
	a := mat.NewSymDense(p.k, nil)
	for i := 0; i < p.k; i++ {
		for j := i; j < p.k; j++ {
			a.SetSym(i, j, p.jtj[i*p.k+j])
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, false
	}
	inv := mat.NewSymDense(p.k, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, false
	}
	dof := len(p.x) - p.k
	scale := math.Inf(1)
	if dof > 0 {
		scale = ssr / float64(dof)
	}
	inv.ScaleSym(scale, inv)
	return inv, true
}
