package datacore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	xmlpkg "encoding/xml"

	"github.com/19h/svarog/ferr"
	"github.com/19h/svarog/guid"
)

// ExportAll writes one XML file per record under outDir, grouped into a
// subdirectory per struct type name (spec.md §4.5). progress, when
// non-nil, is invoked after each record; it may be a no-op. Export is
// strict: the first per-record materialization failure aborts the run.
func ExportAll(db *Database, outDir string, progress func(current, total int)) error {
	total := len(db.Records)
	for i, rec := range db.Records {
		sv, err := db.MaterializeRecord(i)
		if err != nil {
			return err
		}
		structName := db.Structs[rec.StructIndex].Name
		dir := filepath.Join(outDir, structName)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ferr.Wrap(ferr.Io, "creating export directory", err)
		}

		var buf bytes.Buffer
		if err := writeElement(&buf, db, structName, sv, true); err != nil {
			return err
		}

		path := filepath.Join(dir, rec.ID.String()+".xml")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return ferr.Wrap(ferr.Io, "writing xml export", err)
		}

		if progress != nil {
			progress(i+1, total)
		}
	}
	return nil
}

func writeElement(buf *bytes.Buffer, db *Database, elementName string, sv *StructValue, isRoot bool) error {
	fmt.Fprintf(buf, "<%s", elementName)

	concreteName := db.Structs[sv.StructIndex].Name
	buf.WriteString(` __type="`)
	if err := xmlpkg.EscapeText(buf, []byte(concreteName)); err != nil {
		return err
	}
	buf.WriteByte('"')

	if isRoot && sv.RecordID != nil {
		fmt.Fprintf(buf, ` __ref="%s"`, sv.RecordID.String())
	}

	var children []FieldValue
	for _, f := range sv.Fields {
		if f.Scalar != nil {
			fmt.Fprintf(buf, ` %s="`, f.Prop.Name)
			if err := xmlpkg.EscapeText(buf, []byte(formatValue(f.Scalar))); err != nil {
				return err
			}
			buf.WriteByte('"')
			continue
		}
		if f.Nested != nil || len(f.ArrayVals) > 0 || len(f.ArrayNested) > 0 || f.StrongRef != nil || f.WeakRef != nil || f.ClassTarget != nil {
			children = append(children, f)
		}
	}

	if len(children) == 0 {
		buf.WriteString("/>")
		return nil
	}

	buf.WriteByte('>')
	for _, f := range children {
		switch {
		case f.Nested != nil:
			if err := writeElement(buf, db, f.Prop.Name, f.Nested, false); err != nil {
				return err
			}
		case f.StrongRef != nil:
			if err := writeElement(buf, db, f.Prop.Name, f.StrongRef, true); err != nil {
				return err
			}
		case len(f.ArrayNested) > 0:
			for _, nested := range f.ArrayNested {
				if err := writeElement(buf, db, f.Prop.Name, nested, false); err != nil {
					return err
				}
			}
		case len(f.ArrayVals) > 0:
			for _, v := range f.ArrayVals {
				fmt.Fprintf(buf, "<%s>", f.Prop.Name)
				if err := xmlpkg.EscapeText(buf, []byte(formatValue(v))); err != nil {
					return err
				}
				fmt.Fprintf(buf, "</%s>", f.Prop.Name)
			}
		case f.WeakRef != nil:
			targetType := "Unknown"
			if ridx, ok := db.recordsByID[f.WeakRef.RecordID]; ok {
				targetType = db.Structs[db.Records[ridx].StructIndex].Name
			}
			fmt.Fprintf(buf, `<__weakRef type="%s" guid="%s"/>`, targetType, f.WeakRef.RecordID.String())
		case f.ClassTarget != nil:
			if err := writeElement(buf, db, f.Prop.Name, f.ClassTarget, true); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(buf, "</%s>", elementName)
	return nil
}

// formatValue renders a scalar per spec.md §4.5: booleans as
// True/False, floats round-trippable, GUIDs canonical, enums (already
// resolved to their name string by the walker) verbatim.
func formatValue(v interface{}) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case guid.GUID:
		return x.String()
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
