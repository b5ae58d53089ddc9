// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import "log/slog"

// hostNames is a slog.LogValuer that renders devhost handles as names.
type hostNames struct {
	c   *Coordinator
	ids []HostID
}

func (v hostNames) LogValue() slog.Value {
	names := make([]string, len(v.ids))
	for i, id := range v.ids {
		if h := v.c.host(id); h != nil {
			names[i] = h.Name
		} else {
			names[i] = id.String()
		}
	}
	return slog.AnyValue(names)
}
