// Package compiler turns user resource declarations into backend resource
// definitions.
//
// A declaration names a kind ("bucket", "function", "queue", "table",
// "topic") and carries camelCase properties. The CUE compiler validates the
// properties against the kind's #Props schema, expands shorthands such as
// versioned or inlineCode, converts keys to PascalCase and stamps taggable
// resources with the stackur:stack tag.
//
// Some kinds produce more than one fragment. A function without a role gets
// a <Name>ServiceRole, and a bucket with publicReadAccess gets a
// <Name>Policy. The first fragment always carries the declaration's logical id.
//
// Every error returned by Compile is a permanent VALIDATION_ERROR.
package compiler
