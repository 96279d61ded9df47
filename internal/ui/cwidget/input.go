package cwidget

import (
	"fmt"
	"strconv"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
	"github.com/pkg/errors"
)

var errNotPositive = errors.New("must be greater than zero")

// Input is a labelled entry that parses its text into T. The label shows the
// last accepted value and invalid text is reported under the entry.
type Input[T any] struct {
	widget.BaseWidget

	labelWidget *widget.Label
	entryWidget *widget.Entry
	errorWidget *widget.Label

	LabelText   string
	Placeholder string

	DefaultValue T

	OnChanged func(T)

	Validator func(string) (T, error)
	Format    func(T) string

	value T
}

func newInput[T any](label, placeholder string, defaultValue T, format func(T) string, onChanged func(T)) *Input[T] {
	input := &Input[T]{
		LabelText:    label,
		Placeholder:  placeholder,
		OnChanged:    onChanged,
		DefaultValue: defaultValue,
		Format:       format,
		value:        defaultValue,
	}

	input.labelWidget = widget.NewLabel(input.title(defaultValue))
	input.labelWidget.TextStyle = fyne.TextStyle{Bold: true}

	input.entryWidget = widget.NewEntry()
	input.entryWidget.SetPlaceHolder(placeholder)

	input.errorWidget = widget.NewLabel("")
	input.errorWidget.Hidden = true
	input.errorWidget.TextStyle = fyne.TextStyle{Italic: true}
	input.errorWidget.Importance = widget.DangerImportance

	input.entryWidget.OnChanged = func(s string) {
		res, err := input.Validator(s)
		input.SetError(err)

		if err == nil {
			input.value = res
			if input.OnChanged != nil {
				input.OnChanged(res)
			}
			input.labelWidget.SetText(input.title(res))
		}
	}

	input.ExtendBaseWidget(input)

	return input
}

// NewIntInput accepts positive integers. Empty text restores defaultValue.
func NewIntInput(label, placeholder string, defaultValue int, onChanged func(int)) *Input[int] {
	input := newInput(label, placeholder, defaultValue, strconv.Itoa, onChanged)

	input.Validator = func(s string) (int, error) {
		if s == "" {
			return input.DefaultValue, nil
		}

		res, err := strconv.Atoi(s)
		if err != nil {
			return input.DefaultValue, errors.Errorf("%q is not an integer", s)
		}
		if res <= 0 {
			return input.DefaultValue, errNotPositive
		}
		return res, nil
	}

	return input
}

// NewFloatInput accepts numbers in (0, max]. Empty text restores defaultValue.
func NewFloatInput(label, placeholder string, defaultValue, max float64, onChanged func(float64)) *Input[float64] {
	format := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	input := newInput(label, placeholder, defaultValue, format, onChanged)

	input.Validator = func(s string) (float64, error) {
		if s == "" {
			return input.DefaultValue, nil
		}

		res, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return input.DefaultValue, errors.Errorf("%q is not a number", s)
		}
		if res <= 0 {
			return input.DefaultValue, errNotPositive
		}
		if res > max {
			return input.DefaultValue, errors.Errorf("must be at most %v", max)
		}
		return res, nil
	}

	return input
}

func (item *Input[T]) title(v T) string {
	return fmt.Sprintf("%s: %s", item.LabelText, item.Format(v))
}

func (item *Input[T]) CreateRenderer() fyne.WidgetRenderer {
	c := container.NewVBox(
		item.labelWidget,
		item.entryWidget,
		item.errorWidget,
	)

	return widget.NewSimpleRenderer(c)
}

func (item *Input[T]) SetError(err error) {
	item.errorWidget.Hidden = err == nil
	if err != nil {
		item.errorWidget.SetText(err.Error())
	}
	item.errorWidget.Refresh()
}

func (item *Input[T]) SetText(text string) {
	item.entryWidget.SetText(text)
}

// Value is the last accepted value.
func (item *Input[T]) Value() T {
	return item.value
}

// Error is the text of the current validation error, if any.
func (item *Input[T]) Error() string {
	if item.errorWidget.Hidden {
		return ""
	}
	return item.errorWidget.Text
}
