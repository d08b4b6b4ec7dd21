package storage

import (
	"encoding/json"
	"errors"

	"asphaleia/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeCheckpoint(c model.CheckpointRecord) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (model.CheckpointRecord, error) {
	var cp model.CheckpointRecord
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.CheckpointRecord{}, err
	}
	if err := checkVersion(cp.VersionedRecord); err != nil {
		return model.CheckpointRecord{}, err
	}
	return cp, nil
}

func EncodeIterations(trace []model.IterationRecord) ([]byte, error) {
	return json.Marshal(trace)
}

func DecodeIterations(data []byte) ([]model.IterationRecord, error) {
	var trace []model.IterationRecord
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, err
	}
	for _, rec := range trace {
		if err := checkVersion(rec.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return trace, nil
}

func EncodeCounterexamples(ces []model.Counterexample) ([]byte, error) {
	return json.Marshal(ces)
}

func DecodeCounterexamples(data []byte) ([]model.Counterexample, error) {
	var ces []model.Counterexample
	if err := json.Unmarshal(data, &ces); err != nil {
		return nil, err
	}
	return ces, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
