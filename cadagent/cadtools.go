package cadagent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// CodeRunner executes model-proposed code against the document. The host
// supplies the implementation (FreeCAD's Python console in the full
// addon); headless deployments leave it nil and the execute_code tool
// reports itself unavailable.
type CodeRunner interface {
	Run(ctx context.Context, code string, doc Document) (string, error)
}

type createPrimitiveArgs struct {
	Shape  string  `json:"shape" jsonschema:"required,enum=box,enum=cylinder,enum=sphere,enum=cone,description=Primitive shape to create"`
	Length float64 `json:"length,omitempty" jsonschema:"description=Length in mm (box)"`
	Width  float64 `json:"width,omitempty" jsonschema:"description=Width in mm (box)"`
	Height float64 `json:"height,omitempty" jsonschema:"description=Height in mm (box / cylinder / cone)"`
	Radius float64 `json:"radius,omitempty" jsonschema:"description=Radius in mm (cylinder / sphere / cone)"`
}

type booleanOperationArgs struct {
	Operation string `json:"operation" jsonschema:"required,enum=union,enum=cut,enum=intersection,description=Boolean operation to apply"`
	Base      string `json:"base" jsonschema:"required,description=Name of the base object"`
	Tool      string `json:"tool" jsonschema:"required,description=Name of the tool object"`
}

type transformObjectArgs struct {
	Object     string  `json:"object" jsonschema:"required,description=Name of the object to transform"`
	TranslateX float64 `json:"translate_x,omitempty" jsonschema:"description=Translation along X in mm"`
	TranslateY float64 `json:"translate_y,omitempty" jsonschema:"description=Translation along Y in mm"`
	TranslateZ float64 `json:"translate_z,omitempty" jsonschema:"description=Translation along Z in mm"`
	RotateDeg  float64 `json:"rotate_deg,omitempty" jsonschema:"description=Rotation angle in degrees"`
	RotateAxis string  `json:"rotate_axis,omitempty" jsonschema:"enum=x,enum=y,enum=z,description=Rotation axis"`
}

type modifyPropertyArgs struct {
	Object   string      `json:"object" jsonschema:"required,description=Name of the object"`
	Property string      `json:"property" jsonschema:"required,description=Property to change"`
	Value    interface{} `json:"value" jsonschema:"required,description=New value"`
}

type measureArgs struct {
	Kind string `json:"kind" jsonschema:"required,enum=dimensions,enum=distance,description=What to measure"`
	From string `json:"from" jsonschema:"required,description=Object to measure"`
	To   string `json:"to,omitempty" jsonschema:"description=Second object (distance only)"`
}

type deleteObjectArgs struct {
	Object string `json:"object" jsonschema:"required,description=Name of the object to delete"`
}

type exportModelArgs struct {
	Format string `json:"format" jsonschema:"required,enum=json,description=Export format"`
}

type executeCodeArgs struct {
	Code string `json:"code" jsonschema:"required,description=Code to run against the document"`
}

// RegisterCADTools installs the built-in tool catalog. The handlers run
// under the Executor, so they are free to return plain errors.
func RegisterCADTools(reg *ToolRegistry, runner CodeRunner) error {
	specs := []ToolSpec{
		{
			Name:        "create_primitive",
			Description: "Create a primitive solid (box, cylinder, sphere, cone) with the given dimensions in mm.",
			Parameters:  SchemaFor[createPrimitiveArgs](),
			Handler:     handleCreatePrimitive,
		},
		{
			Name:        "boolean_operation",
			Description: "Combine two objects with union, cut, or intersection. The inputs are consumed by the result.",
			Parameters:  SchemaFor[booleanOperationArgs](),
			Handler:     handleBooleanOperation,
		},
		{
			Name:        "transform_object",
			Description: "Translate and/or rotate an object.",
			Parameters:  SchemaFor[transformObjectArgs](),
			Handler:     handleTransformObject,
		},
		{
			Name:        "modify_property",
			Description: "Set one property of an object to a new value.",
			Parameters:  SchemaFor[modifyPropertyArgs](),
			Handler:     handleModifyProperty,
		},
		{
			Name:        "delete_object",
			Description: "Delete a single object from the document.",
			Parameters:  SchemaFor[deleteObjectArgs](),
			Handler:     handleDeleteObject,
		},
		{
			Name:        "measure",
			Description: "Measure an object's dimensions or the distance between two objects.",
			Parameters:  SchemaFor[measureArgs](),
			Handler:     handleMeasure,
			ReadOnly:    true,
		},
		{
			Name:        "get_document_state",
			Description: "List all objects in the document with their types and properties.",
			Parameters:  SchemaFor[struct{}](),
			Handler: func(_ context.Context, _ json.RawMessage, doc Document) (string, error) {
				return DocumentStateText(doc), nil
			},
			ReadOnly: true,
		},
		{
			Name:        "export_model",
			Description: "Export the document contents; the host saves the returned data.",
			Parameters:  SchemaFor[exportModelArgs](),
			Handler:     handleExportModel,
			ReadOnly:    true,
		},
		{
			Name:        "undo",
			Description: "Undo the most recent document operation.",
			Parameters:  SchemaFor[struct{}](),
			Handler: func(_ context.Context, _ json.RawMessage, doc Document) (string, error) {
				if err := doc.Undo(); err != nil {
					return "", err
				}
				return "Undid the last operation.", nil
			},
			// Wrapping undo in a transaction would checkpoint the undo
			// itself; it manages document history directly.
			ReadOnly: true,
		},
		{
			Name:        "execute_code",
			Description: "Run code against the document for operations no structured tool covers. Use as a last resort.",
			Parameters:  SchemaFor[executeCodeArgs](),
			Handler:     makeExecuteCodeHandler(runner),
		},
	}
	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func decodeArgs(raw json.RawMessage, into interface{}) error {
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return &ValidationError{Reason: "invalid arguments: " + err.Error()}
	}
	return nil
}

func handleCreatePrimitive(_ context.Context, raw json.RawMessage, doc Document) (string, error) {
	var args createPrimitiveArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	props := map[string]interface{}{}
	var typ string
	switch args.Shape {
	case "box":
		typ = "Box"
		if args.Length <= 0 || args.Width <= 0 || args.Height <= 0 {
			return "", &ValidationError{Reason: "box requires positive length, width, and height"}
		}
		props["Length"], props["Width"], props["Height"] = args.Length, args.Width, args.Height
	case "cylinder":
		typ = "Cylinder"
		if args.Radius <= 0 || args.Height <= 0 {
			return "", &ValidationError{Reason: "cylinder requires positive radius and height"}
		}
		props["Radius"], props["Height"] = args.Radius, args.Height
	case "sphere":
		typ = "Sphere"
		if args.Radius <= 0 {
			return "", &ValidationError{Reason: "sphere requires positive radius"}
		}
		props["Radius"] = args.Radius
	case "cone":
		typ = "Cone"
		if args.Radius <= 0 || args.Height <= 0 {
			return "", &ValidationError{Reason: "cone requires positive radius and height"}
		}
		props["Radius"], props["Height"] = args.Radius, args.Height
	default:
		return "", &ValidationError{Reason: fmt.Sprintf("unknown shape %q", args.Shape)}
	}
	obj, err := doc.AddObject(typ, props)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created %s %q.", args.Shape, obj.Name), nil
}

var booleanResultTypes = map[string]string{
	"union":        "Fusion",
	"cut":          "Cut",
	"intersection": "Common",
}

func handleBooleanOperation(_ context.Context, raw json.RawMessage, doc Document) (string, error) {
	var args booleanOperationArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	typ, ok := booleanResultTypes[args.Operation]
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("unknown operation %q", args.Operation)}
	}
	if _, ok := doc.Object(args.Base); !ok {
		return "", fmt.Errorf("base object %q not found", args.Base)
	}
	if _, ok := doc.Object(args.Tool); !ok {
		return "", fmt.Errorf("tool object %q not found", args.Tool)
	}
	if err := doc.RemoveObject(args.Base); err != nil {
		return "", err
	}
	if err := doc.RemoveObject(args.Tool); err != nil {
		return "", err
	}
	result, err := doc.AddObject(typ, map[string]interface{}{
		"Base": args.Base,
		"Tool": args.Tool,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Applied %s of %q and %q as %q.", args.Operation, args.Base, args.Tool, result.Name), nil
}

func handleTransformObject(_ context.Context, raw json.RawMessage, doc Document) (string, error) {
	var args transformObjectArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	obj, ok := doc.Object(args.Object)
	if !ok {
		return "", fmt.Errorf("object %q not found", args.Object)
	}
	placement := map[string]interface{}{
		"x": args.TranslateX,
		"y": args.TranslateY,
		"z": args.TranslateZ,
	}
	if prev, ok := obj.Properties["Placement"].(map[string]interface{}); ok {
		for _, axis := range []string{"x", "y", "z"} {
			if v, ok := prev[axis].(float64); ok {
				placement[axis] = placement[axis].(float64) + v
			}
		}
	}
	if args.RotateDeg != 0 {
		axis := args.RotateAxis
		if axis == "" {
			axis = "z"
		}
		placement["angle"] = args.RotateDeg
		placement["axis"] = axis
	}
	if err := doc.SetProperty(args.Object, "Placement", placement); err != nil {
		return "", err
	}
	return fmt.Sprintf("Transformed %q.", args.Object), nil
}

func handleModifyProperty(_ context.Context, raw json.RawMessage, doc Document) (string, error) {
	var args modifyPropertyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if _, ok := doc.Object(args.Object); !ok {
		return "", fmt.Errorf("object %q not found", args.Object)
	}
	if err := doc.SetProperty(args.Object, args.Property, args.Value); err != nil {
		return "", err
	}
	return fmt.Sprintf("Set %s.%s = %v.", args.Object, args.Property, args.Value), nil
}

func handleDeleteObject(_ context.Context, raw json.RawMessage, doc Document) (string, error) {
	var args deleteObjectArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if err := doc.RemoveObject(args.Object); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %q.", args.Object), nil
}

func handleMeasure(_ context.Context, raw json.RawMessage, doc Document) (string, error) {
	var args measureArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	from, ok := doc.Object(args.From)
	if !ok {
		return "", fmt.Errorf("object %q not found", args.From)
	}
	switch args.Kind {
	case "dimensions":
		var parts []string
		for _, key := range []string{"Length", "Width", "Height", "Radius"} {
			if v, ok := from.Properties[key]; ok {
				parts = append(parts, fmt.Sprintf("%s=%v mm", key, v))
			}
		}
		if len(parts) == 0 {
			return fmt.Sprintf("%q has no dimensional properties.", args.From), nil
		}
		return fmt.Sprintf("%q: %s.", args.From, strings.Join(parts, ", ")), nil
	case "distance":
		to, ok := doc.Object(args.To)
		if !ok {
			return "", fmt.Errorf("object %q not found", args.To)
		}
		dist := placementDistance(from, to)
		return fmt.Sprintf("Distance between %q and %q origins: %.3f mm.", args.From, args.To, dist), nil
	default:
		return "", &ValidationError{Reason: fmt.Sprintf("unknown measurement kind %q", args.Kind)}
	}
}

func placementDistance(a, b *Object) float64 {
	origin := func(obj *Object) (x, y, z float64) {
		if p, ok := obj.Properties["Placement"].(map[string]interface{}); ok {
			if v, ok := p["x"].(float64); ok {
				x = v
			}
			if v, ok := p["y"].(float64); ok {
				y = v
			}
			if v, ok := p["z"].(float64); ok {
				z = v
			}
		}
		return
	}
	ax, ay, az := origin(a)
	bx, by, bz := origin(b)
	return math.Sqrt((ax-bx)*(ax-bx) + (ay-by)*(ay-by) + (az-bz)*(az-bz))
}

func handleExportModel(_ context.Context, raw json.RawMessage, doc Document) (string, error) {
	var args exportModelArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.Format != "json" {
		return "", &ValidationError{Reason: fmt.Sprintf("unsupported format %q", args.Format)}
	}
	data, err := json.MarshalIndent(doc.Objects(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func makeExecuteCodeHandler(runner CodeRunner) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage, doc Document) (string, error) {
		var args executeCodeArgs
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}
		if strings.TrimSpace(args.Code) == "" {
			return "", &ValidationError{Reason: "code is empty"}
		}
		if runner == nil {
			return "", fmt.Errorf("no code runner is available in this environment")
		}
		return runner.Run(ctx, args.Code, doc)
	}
}
