// Command mkbootlogo rasterizes novakernel's boot splash and emits it as a
// Go source file defining a device/video/console/logo.Image, the same way
// gopher-os's tools/makelogo turns an image file into a logo.go. Instead of
// decoding an existing bitmap this tool draws the wordmark itself with
// github.com/fogleman/gg (vector shapes) and github.com/golang/freetype
// (TrueType text), so there is no binary asset to keep alongside the
// kernel source tree.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"go/parser"
	"go/printer"
	"go/token"
	"image"
	"image/color"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// maxColors mirrors the teacher tool's palette cap: the console logo format
// stores one palette index per pixel in a byte, same as before.
const maxColors = 16

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkbootlogo] error: %s\n", err.Error())
	os.Exit(1)
}

func renderWordmark(text string, width, height int, bg, fg color.RGBA) (image.Image, error) {
	font, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing embedded font: %w", err)
	}

	dc := gg.NewContext(width, height)
	dc.SetColor(bg)
	dc.Clear()

	face := truetype.NewFace(font, &truetype.Options{Size: float64(height) * 0.6})
	dc.SetFontFace(face)
	dc.SetColor(fg)
	dc.DrawStringAnchored(text, float64(width)/2, float64(height)/2, 0.5, 0.5)

	return dc.Image(), nil
}

func buildPalette(img image.Image, transColor color.RGBA) ([]color.RGBA, map[color.RGBA]int, error) {
	var (
		palette         []color.RGBA
		colorToPalIndex = make(map[color.RGBA]int)
	)

	palette = append(palette, transColor)
	colorToPalIndex[palette[0]] = 0

	bounds := img.Bounds()
	for y := 0; y < bounds.Size().Y; y++ {
		for x := 0; x < bounds.Size().X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			c := color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b)}
			if _, exists := colorToPalIndex[c]; exists {
				continue
			}
			colorToPalIndex[c] = len(colorToPalIndex)
			palette = append(palette, c)
		}
	}

	if got := len(palette); got > maxColors {
		return nil, nil, fmt.Errorf("logo should not contain more than %d colors; got %d", maxColors, got)
	}

	return palette, colorToPalIndex, nil
}

func genLogoFile(img image.Image, transColor color.RGBA, logoVar, align string) (string, error) {
	var (
		buf         bytes.Buffer
		bounds      = img.Bounds()
		logoVarName = fmt.Sprintf("%s%dx%d", logoVar, bounds.Size().X, bounds.Size().Y)
	)

	palette, colorToPalIndex, err := buildPalette(img, transColor)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(&buf, `
package logo

import "image/color"

var (
%s = Image{
Width: %d,
Height: %d,
Align: %s,
TransparentIndex: 0,
`, logoVarName, bounds.Size().X, bounds.Size().Y, align)

	fmt.Fprint(&buf, "Palette: []color.RGBA{\n")
	for _, c := range palette {
		fmt.Fprintf(&buf, "\t{R:%d, G:%d, B:%d},\n", c.R, c.G, c.B)
	}
	fmt.Fprint(&buf, "},\n")

	fmt.Fprint(&buf, "Data: []uint8{\n")
	pixelIndex := 0
	for y := 0; y < bounds.Size().Y; y++ {
		for x := 0; x < bounds.Size().X; x, pixelIndex = x+1, pixelIndex+1 {
			if pixelIndex != 0 && pixelIndex%16 == 0 {
				buf.WriteByte('\n')
			}
			r, g, b, _ := img.At(x, y).RGBA()
			colorIndex := colorToPalIndex[color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b)}]
			fmt.Fprintf(&buf, "0x%x, ", colorIndex)
		}
	}
	fmt.Fprint(&buf, "\n},\n")

	fmt.Fprint(&buf, "}\n)\n")
	fmt.Fprintf(&buf, "func init(){\navailableLogos = append(availableLogos, &%s)\n}\n", logoVarName)

	return buf.String(), nil
}

func runTool() error {
	text := flag.String("text", "novakernel", "wordmark text to rasterize")
	width := flag.Int("width", 256, "logo width in pixels")
	height := flag.Int("height", 32, "logo height in pixels")
	logoVar := flag.String("var-name", "logo", "the name of the variable containing the logo data")
	align := flag.String("align", "center", "the horizontal alignment for the logo (left, center or right)")
	output := flag.String("out", "-", "a file to write the generated logo or - to output to STDOUT")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkbootlogo: rasterize the boot wordmark into a console logo source file\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkbootlogo [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	switch *align {
	case "left":
		*align = "AlignLeft"
	case "center":
		*align = "AlignCenter"
	case "right":
		*align = "AlignRight"
	default:
		exit(errors.New("invalid alignment specification; supported values are: left, center or right"))
	}

	transColor := color.RGBA{R: 255, G: 0, B: 255}
	img, err := renderWordmark(*text, *width, *height, transColor, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	if err != nil {
		return err
	}

	logoData, err := genLogoFile(img, transColor, *logoVar, *align)
	if err != nil {
		return err
	}

	fSet := token.NewFileSet()
	astFile, err := parser.ParseFile(fSet, "", logoData, parser.ParseComments)
	if err != nil {
		return err
	}

	switch *output {
	case "-":
		return printer.Fprint(os.Stdout, fSet, astFile)
	default:
		fOut, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer fOut.Close()
		return printer.Fprint(fOut, fSet, astFile)
	}
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
