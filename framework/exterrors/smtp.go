/*
listd - Mailing list manager.
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

import (
	"fmt"

	"github.com/emersion/go-smtp"
)

type EnhancedCode smtp.EnhancedCode

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is an error carrying an SMTP (or LMTP) status. It is returned
// to clients by the LMTP endpoint and produced by the outgoing SMTP client
// for rejected recipients.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string

	// Component that produced the error, e.g. "lmtp" or "outgoing".
	Component string

	// Short machine-readable reason, used as the "reason" log field.
	Reason string

	Err  error
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.Component != "" {
		ctx["component"] = se.Component
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	return ctx
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

// SMTP converts the error into the go-smtp representation sent on the wire.
func (se *SMTPError) SMTP() *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         se.Code,
		EnhancedCode: smtp.EnhancedCode(se.EnhancedCode),
		Message:      se.Message,
	}
}
