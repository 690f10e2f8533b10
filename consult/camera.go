package consult

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

type CameraSettings struct {
	// vertical field of view in radians
	Fov    float64
	Aspect float64
	Near   float64
	Far    float64
	Eye    Vec3
	Target Vec3
	Up     Vec3
}

func DefaultCameraSettings() *CameraSettings {
	return &CameraSettings{
		Fov:    60 * math.Pi / 180,
		Aspect: 16.0 / 9.0,
		Near:   0.1,
		Far:    100.0,
		Eye:    Vec3{X: 0, Y: 0, Z: 5},
		Target: Vec3{},
		Up:     Vec3{Y: 1},
	}
}

// fixed-pose perspective camera
// every participant uses the same pose so screen positions agree across the room
type Camera struct {
	settings *CameraSettings

	vp    *mat.Dense
	vpInv *mat.Dense
}

func NewCameraWithDefaults() *Camera {
	return NewCamera(DefaultCameraSettings())
}

func NewCamera(settings *CameraSettings) *Camera {
	proj := perspectiveMatrix(settings.Fov, settings.Aspect, settings.Near, settings.Far)
	view := lookAtMatrix(settings.Eye, settings.Target, settings.Up)
	vp := &mat.Dense{}
	vp.Mul(proj, view)
	vpInv := &mat.Dense{}
	if err := vpInv.Inverse(vp); err != nil {
		panic(err)
	}
	return &Camera{
		settings: settings,
		vp:       vp,
		vpInv:    vpInv,
	}
}

// world position to normalized screen coordinates
// sy grows downward to match image coordinates
// visible is false when the point is behind the camera
func (self *Camera) Project(world Vec3) (sx float64, sy float64, visible bool) {
	v := mat.NewVecDense(4, []float64{world.X, world.Y, world.Z, 1})
	clip := mat.NewVecDense(4, nil)
	clip.MulVec(self.vp, v)
	w := clip.AtVec(3)
	if w <= 0 {
		return 0, 0, false
	}
	ndcX := clip.AtVec(0) / w
	ndcY := clip.AtVec(1) / w
	sx = (ndcX + 1) / 2
	sy = (1 - ndcY) / 2
	return sx, sy, true
}

// normalized screen coordinates to the world point on the plane z = planeZ
// casts a ray through the near and far planes and intersects it with the plane
func (self *Camera) Unproject(sx float64, sy float64, planeZ float64) Vec3 {
	ndcX := sx*2 - 1
	ndcY := 1 - sy*2
	near := self.unprojectNdc(ndcX, ndcY, -1)
	far := self.unprojectNdc(ndcX, ndcY, 1)
	dz := far.Z - near.Z
	if dz == 0 {
		return near
	}
	t := (planeZ - near.Z) / dz
	return Vec3{
		X: near.X + t*(far.X-near.X),
		Y: near.Y + t*(far.Y-near.Y),
		Z: planeZ,
	}
}

func (self *Camera) unprojectNdc(ndcX float64, ndcY float64, ndcZ float64) Vec3 {
	v := mat.NewVecDense(4, []float64{ndcX, ndcY, ndcZ, 1})
	world := mat.NewVecDense(4, nil)
	world.MulVec(self.vpInv, v)
	w := world.AtVec(3)
	return Vec3{
		X: world.AtVec(0) / w,
		Y: world.AtVec(1) / w,
		Z: world.AtVec(2) / w,
	}
}

func perspectiveMatrix(fov float64, aspect float64, near float64, far float64) *mat.Dense {
	f := 1.0 / math.Tan(fov/2.0)
	return mat.NewDense(4, 4, []float64{
		f / aspect, 0, 0, 0,
		0, f, 0, 0,
		0, 0, (far + near) / (near - far), (2 * far * near) / (near - far),
		0, 0, -1, 0,
	})
}

func lookAtMatrix(eye Vec3, target Vec3, up Vec3) *mat.Dense {
	forward := normalize3(sub3(target, eye))
	right := normalize3(cross3(forward, up))
	trueUp := cross3(right, forward)
	return mat.NewDense(4, 4, []float64{
		right.X, right.Y, right.Z, -dot3(right, eye),
		trueUp.X, trueUp.Y, trueUp.Z, -dot3(trueUp, eye),
		-forward.X, -forward.Y, -forward.Z, dot3(forward, eye),
		0, 0, 0, 1,
	})
}

func sub3(a Vec3, b Vec3) Vec3 {
	return Vec3{X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z}
}

func dot3(a Vec3, b Vec3) float64 {
	return a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

func cross3(a Vec3, b Vec3) Vec3 {
	return Vec3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

func normalize3(a Vec3) Vec3 {
	d := math.Sqrt(dot3(a, a))
	if d == 0 {
		return a
	}
	return Vec3{X: a.X / d, Y: a.Y / d, Z: a.Z / d}
}
