// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spill

import (
	"encoding/binary"
	"math"

	"github.com/pingcap/errors"

	"github.com/dbeng/sortspill/pkg/types"
)

// encodeRow serializes row (in schema order) into the sstable value bytes
// for one spilled row. Every field carries its own null flag so a run's
// values can be decoded without consulting the row's sort key.
func encodeRow(row []types.Value, schema types.Schema) []byte {
	buf := make([]byte, 0, 16*len(row))
	for i, v := range row {
		if v.Null {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		switch schema[i].Type {
		case types.Bool:
			b := byte(0)
			if v.Bool() {
				b = 1
			}
			buf = append(buf, b)
		case types.Int64:
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], uint64(v.Int64()))
			buf = append(buf, tmp[:]...)
		case types.Float64:
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.Float64()))
			buf = append(buf, tmp[:]...)
		case types.String:
			s := v.String()
			var lenBuf [binary.MaxVarintLen64]byte
			n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
			buf = append(buf, lenBuf[:n]...)
			buf = append(buf, s...)
		}
	}
	return buf
}

// decodeRow is the inverse of encodeRow.
func decodeRow(data []byte, schema types.Schema) ([]types.Value, error) {
	row := make([]types.Value, len(schema))
	off := 0
	for i, col := range schema {
		if off >= len(data) {
			return nil, errors.New("spill: truncated spilled row")
		}
		flag := data[off]
		off++
		if flag == 0 {
			row[i] = types.NullValue(col.Type)
			continue
		}
		switch col.Type {
		case types.Bool:
			row[i] = types.BoolValue(data[off] == 1)
			off++
		case types.Int64:
			v := int64(binary.BigEndian.Uint64(data[off : off+8]))
			row[i] = types.Int64Value(v)
			off += 8
		case types.Float64:
			bits := binary.BigEndian.Uint64(data[off : off+8])
			row[i] = types.Float64Value(math.Float64frombits(bits))
			off += 8
		case types.String:
			n, sz := binary.Uvarint(data[off:])
			if sz <= 0 {
				return nil, errors.New("spill: invalid string length in spilled row")
			}
			off += sz
			row[i] = types.StringValue(string(data[off : off+int(n)]))
			off += int(n)
		default:
			return nil, errors.Errorf("spill: cannot decode column of type %s", col.Type)
		}
	}
	return row, nil
}
