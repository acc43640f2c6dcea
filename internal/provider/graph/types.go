// Package graph implements a Provider that sends emails via the Microsoft
// Graph API, including upload-session handling for large attachments.
package graph

// graphMessage mirrors the Graph API "message" resource. It is used bare as
// the draft creation body and wrapped in sendMailRequest for direct sends.
type graphMessage struct {
	Subject                string                  `json:"subject"`
	Body                   messageBody             `json:"body"`
	ToRecipients           []recipient             `json:"toRecipients"`
	CcRecipients           []recipient             `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient             `json:"bccRecipients,omitempty"`
	InternetMessageHeaders []internetMessageHeader `json:"internetMessageHeaders,omitempty"`
	Attachments            []fileAttachment        `json:"attachments,omitempty"`
}

// sendMailRequest is the request body for the sendMail endpoint.
type sendMailRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

// messageBody represents the body of a message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents a message recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Address string `json:"address"`
}

// internetMessageHeader carries a custom x- header on the outgoing message.
type internetMessageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// fileAttachment represents an inline-payload file attachment.
type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
}

// draftResponse is the subset of the draft creation response we need.
type draftResponse struct {
	ID string `json:"id"`
}

// uploadSessionRequest is the request body for createUploadSession.
type uploadSessionRequest struct {
	AttachmentItem attachmentItem `json:"AttachmentItem"`
}

// attachmentItem describes the attachment an upload session is opened for.
type attachmentItem struct {
	AttachmentType string `json:"attachmentType"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	IsInline       bool   `json:"isInline"`
	ContentID      string `json:"contentId,omitempty"`
}

// uploadSessionResponse is the subset of the createUploadSession response we need.
type uploadSessionResponse struct {
	UploadURL string `json:"uploadUrl"`
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
