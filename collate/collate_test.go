package collate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fimtune/fimtune/sft"
)

func TestCollate(t *testing.T) {
	const pad = 0
	examples := []sft.Example{
		{InputIDs: []int32{5, 6, 7}, Labels: []int32{sft.IgnoreIndex, 6, 7}},
		{InputIDs: []int32{8}, Labels: []int32{8}},
		{InputIDs: []int32{9, 10}, Labels: []int32{sft.IgnoreIndex, sft.IgnoreIndex}},
	}

	b, err := Collator{PadID: pad}.Collate(examples)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{3, 3}, []int(b.InputIDs.Shape())); diff != "" {
		t.Errorf("InputIDs shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 3}, []int(b.Labels.Shape())); diff != "" {
		t.Errorf("Labels shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 3}, []int(b.AttentionMask.Shape())); diff != "" {
		t.Errorf("AttentionMask shape mismatch (-want +got):\n%s", diff)
	}

	wantIDs := []int32{5, 6, 7, 8, pad, pad, 9, 10, pad}
	wantLabels := []int32{sft.IgnoreIndex, 6, 7, 8, sft.IgnoreIndex, sft.IgnoreIndex, sft.IgnoreIndex, sft.IgnoreIndex, sft.IgnoreIndex}
	wantMask := []bool{true, true, true, true, false, false, true, true, false}

	if diff := cmp.Diff(wantIDs, b.InputIDs.Data().([]int32)); diff != "" {
		t.Errorf("InputIDs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantLabels, b.Labels.Data().([]int32)); diff != "" {
		t.Errorf("Labels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantMask, b.AttentionMask.Data().([]bool)); diff != "" {
		t.Errorf("AttentionMask mismatch (-want +got):\n%s", diff)
	}

	ids, labels, mask := b.Row(1)
	if diff := cmp.Diff([]int32{8, pad, pad}, ids); diff != "" {
		t.Errorf("Row(1) ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{8, sft.IgnoreIndex, sft.IgnoreIndex}, labels); diff != "" {
		t.Errorf("Row(1) labels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true, false, false}, mask); diff != "" {
		t.Errorf("Row(1) mask mismatch (-want +got):\n%s", diff)
	}

	if b.Size() != 3 || b.SeqLen() != 3 || b.Tokens() != 6 {
		t.Errorf("Size/SeqLen/Tokens = %d/%d/%d", b.Size(), b.SeqLen(), b.Tokens())
	}
}

func TestCollateMaskFollowsPadID(t *testing.T) {
	// EOS als Pad: auch echte EOS-Tokens sind maskiert
	const eos = 2
	b, err := Collator{PadID: eos}.Collate([]sft.Example{
		{InputIDs: []int32{1, 4, eos}, Labels: []int32{sft.IgnoreIndex, 4, eos}},
		{InputIDs: []int32{1}, Labels: []int32{sft.IgnoreIndex}},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []bool{true, true, false, true, false, false}
	if diff := cmp.Diff(want, b.AttentionMask.Data().([]bool)); diff != "" {
		t.Errorf("AttentionMask mismatch (-want +got):\n%s", diff)
	}
}

func TestCollateErrors(t *testing.T) {
	if _, err := (Collator{}).Collate(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("erwartet ErrEmptyBatch, bekommen %v", err)
	}

	_, err := (Collator{}).Collate([]sft.Example{{InputIDs: []int32{1, 2}, Labels: []int32{1}}})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("erwartet ErrShapeMismatch, bekommen %v", err)
	}
}
