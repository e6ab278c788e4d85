package gigatiles

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// resampleRGBA scales src to the requested dimensions with Catmull-Rom,
// the high-quality separable filter used for all pyramid downscaling.
func resampleRGBA(src *image.RGBA, width, height int) *image.RGBA {
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// padToTile pastes img into the top-left of an opaque-black tileSize square.
// Edge tiles keep their content left-aligned with black fill bottom-right.
func padToTile(img *image.RGBA, tileSize int) *image.RGBA {
	if img.Bounds().Dx() == tileSize && img.Bounds().Dy() == tileSize {
		return img
	}
	dst := blackTile(tileSize, tileSize)
	xdraw.Copy(dst, image.Point{}, img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// downsampleQuad assembles four child tiles at zoom z+1 into a
// 2*tileSize canvas and scales it down to one parent tile. Nil children
// stay black. Order: (2x,2y), (2x+1,2y), (2x,2y+1), (2x+1,2y+1).
func downsampleQuad(children [4]*image.RGBA, tileSize int) *image.RGBA {
	canvas := blackTile(2*tileSize, 2*tileSize)
	offsets := [4]image.Point{
		{0, 0},
		{tileSize, 0},
		{0, tileSize},
		{tileSize, tileSize},
	}
	for i, child := range children {
		if child == nil {
			continue
		}
		xdraw.Copy(canvas, offsets[i], child, child.Bounds(), xdraw.Src, nil)
	}
	return resampleRGBA(canvas, tileSize, tileSize)
}
