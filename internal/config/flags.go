package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BindFlags registers one flag per schema option on fs.
func BindFlags(fs *pflag.FlagSet) {
	for _, o := range Options {
		help := o.Help
		if len(o.Choices) > 0 {
			help = fmt.Sprintf("%s %v", help, o.Choices)
		}
		switch o.Kind {
		case KindInt:
			fs.Int(o.FlagName(), 0, help)
		case KindFloat:
			fs.Float64(o.FlagName(), 0, help)
		case KindBool:
			fs.Bool(o.FlagName(), false, help)
		case KindString:
			fs.String(o.FlagName(), "", help)
		}
	}
}

// FlagOverrides collects the options the user set explicitly on fs.
// Unchanged flags are left out so preset defaults still apply.
func FlagOverrides(fs *pflag.FlagSet) (Record, error) {
	r := make(Record)
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		o, ok := LookupOption(f.Name)
		if !ok {
			return
		}
		var v any
		switch o.Kind {
		case KindInt:
			v, err = fs.GetInt(f.Name)
		case KindFloat:
			v, err = fs.GetFloat64(f.Name)
		case KindBool:
			v, err = fs.GetBool(f.Name)
		case KindString:
			v, err = fs.GetString(f.Name)
		}
		if err == nil {
			r[o.Name] = v
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
